package cilocal

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// fakeEngine records every call and lets tests decide the outcome of builds and jobs
type fakeEngine struct {
	mu sync.Mutex

	builds      []ImageSpec
	buildFiles  []map[string]string // Contents of every build context archive
	containers  map[string]ContainerSpec
	started     []string
	commits     map[string]string // ref -> container id
	interactive []ContainerSpec
	sessions    []Session
	sessionRead []string // Input read by every session
	removedCtrs []string
	removedImgs []string

	failBuild  map[string]bool // Image tags whose build fails
	failCreate map[string]bool // Image tags from which containers can't be created
	exitCodes  map[string]int  // Image tag -> exit status of its jobs
	startErr   error

	sessionInput int // Bytes of input every session reads
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: make(map[string]ContainerSpec),
		commits:    make(map[string]string),
		failBuild:  make(map[string]bool),
		failCreate: make(map[string]bool),
		exitCodes:  make(map[string]int),
	}
}

func (f *fakeEngine) BuildImage(ctx context.Context, spec ImageSpec, out io.Writer) error {
	files := make(map[string]string)
	tr := tar.NewReader(spec.Context)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		files[hdr.Name] = string(content)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, spec)
	f.buildFiles = append(f.buildFiles, files)
	if f.failBuild[spec.Tag] {
		return errors.New("build step failed")
	}
	return nil
}

func (f *fakeEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate[spec.Image] {
		return "", errors.New("no such image")
	}
	id := fmt.Sprintf("container-%d", len(f.containers))
	f.containers[id] = spec
	return id, nil
}

func (f *fakeEngine) StartAndWait(ctx context.Context, id string, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	if f.startErr != nil {
		return -1, f.startErr
	}
	spec, ok := f.containers[id]
	if !ok {
		return -1, errors.New("no such container")
	}
	fmt.Fprintf(stdout, "running %s\n", spec.Image)
	return f.exitCodes[spec.Image], nil
}

func (f *fakeEngine) CommitContainer(ctx context.Context, id, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits[ref] = id
	return nil
}

func (f *fakeEngine) RunInteractive(ctx context.Context, spec ContainerSpec, session Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interactive = append(f.interactive, spec)
	f.sessions = append(f.sessions, session)
	if f.sessionInput > 0 {
		buf := make([]byte, f.sessionInput)
		n, _ := io.ReadFull(session.In, buf)
		f.sessionRead = append(f.sessionRead, string(buf[:n]))
	}
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedCtrs = append(f.removedCtrs, id)
	return nil
}

func (f *fakeEngine) RemoveImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedImgs = append(f.removedImgs, ref)
	return nil
}

func (f *fakeEngine) Close() error { return nil }

// fakePrompter answers every confirmation with answer
type fakePrompter struct {
	answer bool
	asked  int
}

func (p *fakePrompter) Confirm(label string) bool {
	p.asked++
	return p.answer
}
