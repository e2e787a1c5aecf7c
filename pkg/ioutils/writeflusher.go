package ioutils

import (
	"io"
	"net/http"
	"sync"
)

// WriteFlusher flushes the underlying response writer after every
// write, so each progress event reaches the client as soon as it is
// encoded instead of sitting in the server's buffer until the stream
// ends.
type WriteFlusher struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func (wf *WriteFlusher) Write(b []byte) (n int, err error) {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	n, err = wf.w.Write(b)
	wf.flusher.Flush()
	return n, err
}

// Flush pushes any buffered bytes to the client.
func (wf *WriteFlusher) Flush() {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.flusher.Flush()
}

// NopFlusher stands in when the writer cannot flush, as in tests
// against plain buffers.
type NopFlusher struct{}

// Flush is a nop.
func (f *NopFlusher) Flush() {}

// NewWriteFlusher wraps w, flushing through it when it supports
// http.Flusher.
func NewWriteFlusher(w io.Writer) *WriteFlusher {
	var flusher http.Flusher
	if f, ok := w.(http.Flusher); ok {
		flusher = f
	} else {
		flusher = &NopFlusher{}
	}
	return &WriteFlusher{w: w, flusher: flusher}
}
