package httpx

import "net/http"

// NetHTTPAdapter adapts a HandlerFunc into a http.Handler, used by the
// admin-side debug/metrics listener (mounted under gorilla/mux) the same
// way FastHTTPAdapter wires the web-approval listener onto fasthttp.
// http.ResponseWriter already satisfies ResponseWriter, so no wrapper
// type is needed on this side.
func NetHTTPAdapter(h HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &Request{
			Ctx:        r.Context(),
			Method:     r.Method,
			Path:       r.URL.Path,
			Header:     r.Header,
			Body:       r.Body,
			RemoteAddr: r.RemoteAddr,
			Raw:        r,
		}
		h(w, req)
	})
}
