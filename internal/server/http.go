package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/DominicWuest/cilocal/pkg/cilocal"
	"github.com/gin-gonic/gin"
	"github.com/phayes/freeport"
)

type httpServer struct {
	mu      sync.RWMutex
	results []resultResponse
	index   map[string]int // Descriptor name -> position in results

	router *gin.Engine
	srv    *http.Server
	port   int
}

func newHTTPServer() *httpServer {
	h := &httpServer{
		index: make(map[string]int),
	}

	gin.SetMode(gin.ReleaseMode)
	h.router = gin.New()
	h.router.Use(gin.Recovery())

	h.router.GET("/results", h.getResults)
	h.router.GET("/results/:descriptor", h.getResult)

	return h
}

func (h *httpServer) Init(port int) error {
	if port == 0 {
		var err error
		port, err = freeport.GetFreePort()
		if err != nil {
			return errors.Join(fmt.Errorf("failed to get a free port for the status server"), err)
		}
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return errors.Join(fmt.Errorf("failed to listen on port %d", port), err)
	}
	h.port = port
	h.srv = &http.Server{Handler: h.router}

	go h.srv.Serve(listener)
	return nil
}

func (h *httpServer) Port() int {
	return h.port
}

func (h *httpServer) Shutdown(ctx context.Context) error {
	if h.srv == nil {
		return nil
	}
	return h.srv.Shutdown(ctx)
}

type resultResponse struct {
	Descriptor string `json:"descriptor"`
	Image      string `json:"image,omitempty"`

	State    string `json:"state"`
	ExitCode int    `json:"exitCode"`
	Failed   bool   `json:"failed"`

	PostMortemImage string `json:"postMortemImage,omitempty"`
	Error           string `json:"error,omitempty"`
}

type resultsResponse struct {
	Results  []resultResponse `json:"results"`
	Failures int              `json:"failures"`
}

// Report records the latest state of a descriptor
func (h *httpServer) Report(result cilocal.RunResult) {
	res := resultResponse{
		Descriptor: result.Descriptor.Name(),
		Image:      string(result.Image),

		State:    result.State.String(),
		ExitCode: result.ExitCode,
		Failed:   result.Failed,

		PostMortemImage: result.PostMortemImage,
	}
	if result.Err != nil {
		res.Error = result.Err.Error()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if i, found := h.index[res.Descriptor]; found {
		h.results[i] = res
		return
	}
	h.index[res.Descriptor] = len(h.results)
	h.results = append(h.results, res)
}

func (h *httpServer) getResults(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	response := resultsResponse{Results: make([]resultResponse, len(h.results))}
	copy(response.Results, h.results)
	for _, res := range h.results {
		if res.Failed {
			response.Failures++
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpServer) getResult(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if i, found := h.index[c.Param("descriptor")]; found {
		c.JSON(http.StatusOK, h.results[i])
	} else {
		c.AbortWithStatus(http.StatusNotFound)
	}
}
