// Package webapproval serves the HTTP surface behind §4.5 step 4: the
// baseUrl + "/requests/" + row.id URL the Authorization Engine hands
// back to a suspended user RPC. The approval web UI's HTML templates are
// an out-of-scope external collaborator (§1, §6); this package owns only
// the backend a template layer would call into — inspecting a pending
// Request Ledger row and settling it — serialized as JSON.
package webapproval

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/valyala/fasthttp"

	"bunkerd/internal/bunkerr"
	"bunkerd/internal/httpx"
	"bunkerd/internal/ledger"
	"bunkerd/internal/logger"
)

// Server is the fasthttp-backed web-approval listener.
type Server struct {
	Ledger *ledger.Ledger
	Addr   string
}

func New(led *ledger.Ledger, addr string) *Server {
	return &Server{Ledger: led, Addr: addr}
}

// Run serves the listener until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &fasthttp.Server{Handler: httpx.FastHTTPAdapter(s.route)}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(s.Addr) }()
	select {
	case <-ctx.Done():
		return srv.Shutdown()
	case err := <-errc:
		return err
	}
}

func (s *Server) route(w httpx.ResponseWriter, r *httpx.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.Path, "/requests/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.show(w, id)
	case http.MethodPost:
		s.settle(w, r, id)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// requestView is the JSON shape a real approval template would render.
type requestView struct {
	ID           string          `json:"id"`
	KeyName      string          `json:"key_name,omitempty"`
	RemotePubkey string          `json:"remote_pubkey"`
	Method       string          `json:"method"`
	Params       json.RawMessage `json:"params,omitempty"`
	Pending      bool            `json:"pending"`
	Allowed      *bool           `json:"allowed,omitempty"`
}

func viewOf(r *ledger.Request) requestView {
	return requestView{
		ID: r.ID, KeyName: r.KeyName, RemotePubkey: r.RemotePubkey,
		Method: r.Method, Params: r.Params, Pending: r.Pending(), Allowed: r.Allowed,
	}
}

func (s *Server) show(w httpx.ResponseWriter, id string) {
	row, err := s.Ledger.Find(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(row))
}

type settleBody struct {
	Allowed  bool   `json:"allowed"`
	Approver string `json:"approver,omitempty"`
}

func (s *Server) settle(w httpx.ResponseWriter, r *httpx.Request, id string) {
	var body settleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	approver := body.Approver
	if approver == "" {
		approver = "anonymous"
	}
	row, err := s.Ledger.Settle(id, body.Allowed, "web:"+approver)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.AuditEvent("web_approval_settled", "request_id", id, "allowed", body.Allowed, "approver", approver)
	writeJSON(w, http.StatusOK, viewOf(row))
}

func writeError(w httpx.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch bunkerr.KindOf(err) {
	case bunkerr.NotFound:
		status = http.StatusNotFound
	case bunkerr.BadRequest:
		status = http.StatusBadRequest
	case bunkerr.Conflict:
		status = http.StatusConflict
	case bunkerr.Expired:
		status = http.StatusGone
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w httpx.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	b, _ := json.Marshal(v)
	_, _ = w.Write(b)
}
