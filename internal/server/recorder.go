package server

import (
	"net/http"
	"sync"
)

// ResponseRecorder passes a response through to the client while noting its
// status code and size.
type ResponseRecorder struct {
	mu      sync.Mutex
	status  int
	written int64
	started bool

	underlying http.ResponseWriter
}

func NewResponseRecorder(responseWriter http.ResponseWriter) *ResponseRecorder {
	if rec, ok := responseWriter.(*ResponseRecorder); ok {
		return rec
	}
	return &ResponseRecorder{status: http.StatusOK, underlying: responseWriter}
}

// Header implements http.ResponseWriter
func (r *ResponseRecorder) Header() http.Header {
	return r.underlying.Header()
}

// Write implements http.ResponseWriter
func (r *ResponseRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	n, err := r.underlying.Write(p)

	r.mu.Lock()
	r.written += int64(n)
	r.mu.Unlock()
	return n, err
}

// WriteHeader implements http.ResponseWriter
func (r *ResponseRecorder) WriteHeader(status int) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.status = status
	r.mu.Unlock()
	r.underlying.WriteHeader(status)
}

// Flush sends buffered data to the client if the underlying writer supports it.
func (r *ResponseRecorder) Flush() {
	if f, ok := r.underlying.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *ResponseRecorder) Unwrap() http.ResponseWriter {
	return r.underlying
}

func (r *ResponseRecorder) StatusCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// BytesWritten returns the body bytes handed to the underlying writer.
func (r *ResponseRecorder) BytesWritten() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Started reports whether the status line has gone out, after which the
// response can no longer be replaced by an error body.
func (r *ResponseRecorder) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}
