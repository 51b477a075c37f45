package syncharness

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	spsync "github.com/marcus/spendbook/internal/sync"
	"github.com/marcus/spendbook/internal/syncclient"
)

// Handler serves the remote authority's HTTP contract.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, syncclient.HealthResponse{Status: "ok"})
	})
	mux.HandleFunc("POST /v1/auth/session", s.requireAuth(s.handleSession))
	mux.HandleFunc("POST /v1/auth/logout", s.requireAuth(s.handleLogout))
	mux.HandleFunc("POST /v1/sync/push", s.requireAuth(s.handlePush))
	mux.HandleFunc("GET /v1/sync/pull", s.requireAuth(s.handlePull))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.session(bearer(r))
		if !ok || (!id.ExpiresAt.IsZero() && time.Now().After(id.ExpiresAt)) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "session not found")
			return
		}
		next(w, r, id)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, id Identity) {
	resp := syncclient.SessionResponse{Valid: true, UserID: id.UserID, Email: id.Email}
	if !id.ExpiresAt.IsZero() {
		resp.ExpiresAt = id.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ Identity) {
	s.RevokeSession(bearer(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, _ Identity) {
	var req syncclient.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	records := make([]spsync.Record, len(req.Records))
	for i, rec := range req.Records {
		records[i] = spsync.Record{
			Table: rec.Table, ID: rec.ID, BaseToken: rec.BaseToken,
			DeletedAt: rec.DeletedAt, Data: rec.Data,
		}
	}
	results, err := s.PushBatch(r.Context(), records)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	resp := syncclient.PushResponse{Results: make([]syncclient.PushResult, len(results))}
	for i, res := range results {
		resp.Results[i] = syncclient.PushResult{
			Table: res.Table, ID: res.ID, SyncToken: res.SyncToken,
			Status: string(res.Status), Reason: res.Reason,
		}
		if res.Record != nil {
			rec := wire(*res.Record)
			resp.Results[i].Record = &rec
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request, _ Identity) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 1000
	}
	page, err := s.PullSince(r.Context(), after, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	resp := syncclient.PullResponse{MaxToken: page.MaxToken, HasMore: page.HasMore, Records: make([]syncclient.Record, len(page.Records))}
	for i, rec := range page.Records {
		resp.Records[i] = wire(rec)
	}
	writeJSON(w, http.StatusOK, resp)
}

func wire(r spsync.Record) syncclient.Record {
	return syncclient.Record{
		Table: r.Table, ID: r.ID, SyncToken: r.SyncToken,
		BaseToken: r.BaseToken, DeletedAt: r.DeletedAt, Data: r.Data,
	}
}
