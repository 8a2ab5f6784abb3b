// Package httpx provides one handler abstraction shared by two concrete
// listeners: a fasthttp-backed web-approval listener and a net/http
// (gorilla/mux) debug/metrics listener. Adapted from progressdb's
// pkg/httpx, which exists for exactly this reason — letting application
// handlers stay transport-agnostic while two different HTTP stacks serve
// them.
package httpx

import (
	"context"
	"io"
	"net/http"
)

// Request is the unified request representation handlers see,
// regardless of which adapter produced it.
type Request struct {
	Ctx        context.Context
	Method     string
	Path       string
	Header     http.Header
	Body       io.ReadCloser
	RemoteAddr string
	Raw        any
}

// ResponseWriter is the minimal subset of http.ResponseWriter both
// adapters can satisfy.
type ResponseWriter interface {
	Header() http.Header
	Write([]byte) (int, error)
	WriteHeader(status int)
}

// HandlerFunc is the application handler signature shared by both stacks.
type HandlerFunc func(w ResponseWriter, r *Request)
