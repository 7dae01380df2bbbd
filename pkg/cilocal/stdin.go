package cilocal

import (
	"io"
	"sync"
)

// stdinPump is the only reader of the operator's input during a run.
// Prompts and post-mortem sessions attach to it one after another. Input read while nobody
// is attached, or left unread by a detached consumer, is handed to the next consumer.
type stdinPump struct {
	src io.Reader

	start  sync.Once
	chunks chan []byte

	mu    sync.Mutex
	carry []byte // Read from src but not consumed yet
}

func newStdinPump(src io.Reader) *stdinPump {
	return &stdinPump{
		src:    src,
		chunks: make(chan []byte),
	}
}

func (p *stdinPump) pump() {
	defer close(p.chunks)
	for {
		buf := make([]byte, 4096)
		n, err := p.src.Read(buf)
		if n > 0 {
			p.chunks <- buf[:n]
		}
		if err != nil {
			return
		}
	}
}

// Attach returns a reader of the input. Closing it detaches the consumer: a pending Read returns io.EOF
// and no further input is taken from the pump.
func (p *stdinPump) Attach() io.ReadCloser {
	p.start.Do(func() {
		go p.pump()
	})
	return &pumpReader{
		pump: p,
		done: make(chan struct{}),
	}
}

// putBack returns unconsumed input to the front of the pump
func (p *stdinPump) putBack(b []byte) {
	if len(b) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.carry = append(append([]byte{}, b...), p.carry...)
}

// takeCarry copies carried over input into b
func (p *stdinPump) takeCarry(b []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(b, p.carry)
	p.carry = p.carry[n:]
	return n
}

type pumpReader struct {
	pump *stdinPump

	done      chan struct{}
	closeOnce sync.Once
}

func (r *pumpReader) Read(b []byte) (int, error) {
	select {
	case <-r.done:
		return 0, io.EOF
	default:
	}

	if n := r.pump.takeCarry(b); n > 0 {
		return n, nil
	}

	select {
	case <-r.done:
		return 0, io.EOF
	case chunk, ok := <-r.pump.chunks:
		if !ok {
			return 0, io.EOF
		}
		// Detached while waiting, the input belongs to the next consumer
		select {
		case <-r.done:
			r.pump.putBack(chunk)
			return 0, io.EOF
		default:
		}
		n := copy(b, chunk)
		r.pump.putBack(chunk[n:])
		return n, nil
	}
}

func (r *pumpReader) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	return nil
}
