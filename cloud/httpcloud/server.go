// Package httpcloud exposes a cloud.Backend over HTTP and provides the matching
// client. Request and response bodies are JSON, optionally gzip encoded; new
// records are announced on a server-sent events stream.
package httpcloud

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-persistent-stack/availability"
	"github.com/c0deZ3R0/go-persistent-stack/cloud"
	"github.com/c0deZ3R0/go-persistent-stack/types"
)

const component = "cloud/httpcloud"

type errorResponse struct {
	Error string `json:"error"`
}

type attachRequest struct {
	Account string `json:"account"`
	StoreID string `json:"store_id"`
}

type leaseRequest struct {
	Lease cloud.Lease `json:"lease"`
}

type pushRequest struct {
	Lease        cloud.Lease         `json:"lease"`
	Transactions []types.Transaction `json:"transactions"`
}

type pushResponse struct {
	Latest uint64 `json:"latest"`
}

type pullRequest struct {
	Lease cloud.Lease `json:"lease"`
	After uint64      `json:"after"`
	Limit int         `json:"limit"`
}

type pullResponse struct {
	Records []cloud.Record `json:"records"`
}

type statusResponse struct {
	Status availability.AccountStatus `json:"status"`
}

type changeEvent struct {
	Seq uint64 `json:"seq"`
}

// Server serves a cloud.Backend. Status and event endpoints are available when
// the backend also implements cloud.StatusReader and cloud.Watcher.
type Server struct {
	backend cloud.Backend
	options *ServerOptions
	mux     *http.ServeMux
}

func NewServer(backend cloud.Backend, opts ...ServerOption) *Server {
	s := &Server{backend: backend, options: newServerOptions(opts), mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /attach", s.handleAttach)
	s.mux.HandleFunc("POST /detach", s.handleDetach)
	s.mux.HandleFunc("POST /push", s.handlePush)
	s.mux.HandleFunc("POST /pull", s.handlePull)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, code int, payload any) {
	writeJSON(w, r, code, payload, s.options)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, r, code, errorResponse{Error: msg}, s.options)
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusForBackendError(err)
	if code == http.StatusInternalServerError {
		s.options.Logger.LogError(r.Context(), err, "backend request failed", slog.String("path", r.URL.Path))
	}
	s.fail(w, r, code, err.Error())
}

func statusForBackendError(err error) int {
	switch {
	case errors.Is(err, cloud.ErrAccountBusy):
		return http.StatusConflict
	case errors.Is(err, cloud.ErrLeaseNotHeld):
		return http.StatusGone
	case errors.Is(err, cloud.ErrAccountUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON request body into v, answering the request itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		s.fail(w, r, http.StatusUnsupportedMediaType, "unsupported media type: "+ct)
		return false
	}
	if r.ContentLength > s.options.Body.Raw {
		s.fail(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body too large: maximum size is %d bytes", s.options.Body.Raw))
		return false
	}
	body := http.MaxBytesReader(w, r.Body, s.options.Body.Raw)
	err := decodeBody(body, r.Header.Get("Content-Encoding"), s.options.Body, v)
	if err != nil {
		s.fail(w, r, statusForDecodeError(err), "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Account == "" || req.StoreID == "" {
		s.fail(w, r, http.StatusBadRequest, "account and store_id are required")
		return
	}
	lease, err := s.backend.Attach(r.Context(), req.Account, req.StoreID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.options.Logger.InfoContext(r.Context(), "store attached",
		slog.String("account", lease.Account),
		slog.String("store_id", lease.StoreID),
	)
	s.respond(w, r, http.StatusOK, lease)
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.backend.Detach(r.Context(), req.Lease); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.options.Logger.InfoContext(r.Context(), "store detached",
		slog.String("account", req.Lease.Account),
		slog.String("store_id", req.Lease.StoreID),
	)
	s.respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if !s.decode(w, r, &req) {
		return
	}
	latest, err := s.backend.Push(r.Context(), req.Lease, req.Transactions)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.options.Logger.DebugContext(r.Context(), "transactions pushed",
		slog.String("account", req.Lease.Account),
		slog.Int("count", len(req.Transactions)),
		slog.Uint64("latest", latest),
	)
	s.respond(w, r, http.StatusOK, pushResponse{Latest: latest})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if !s.decode(w, r, &req) {
		return
	}
	recs, err := s.backend.Pull(r.Context(), req.Lease, req.After, req.Limit)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if recs == nil {
		recs = []cloud.Record{}
	}
	s.respond(w, r, http.StatusOK, pullResponse{Records: recs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reader, ok := s.backend.(cloud.StatusReader)
	if !ok {
		s.fail(w, r, http.StatusNotImplemented, "account status is not supported")
		return
	}
	status, err := reader.AccountStatus(r.Context(), r.URL.Query().Get("account"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, statusResponse{Status: status})
}

// handleEvents streams one "change" event per announcement of the backend's
// watcher until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	watcher, ok := s.backend.(cloud.Watcher)
	if !ok {
		s.fail(w, r, http.StatusNotImplemented, "events are not supported")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	account := r.URL.Query().Get("account")
	if account == "" {
		s.fail(w, r, http.StatusBadRequest, "account is required")
		return
	}

	ctx := r.Context()
	updates, err := watcher.Watch(ctx, account)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.options.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case seq, open := <-updates:
			if !open {
				return
			}
			b, _ := json.Marshal(changeEvent{Seq: seq})
			fmt.Fprintf(w, "event: change\ndata: %s\n\n", b)
			flusher.Flush()
		}
	}
}
