package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// maxReplayCommands bounds one replay batch.
const maxReplayCommands = 100

type replayCommand struct {
	Kind           string          `json:"kind,omitempty"`
	Method         string          `json:"method"`
	Path           string          `json:"path"`
	Body           json.RawMessage `json:"body,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	QueuedAt       int64           `json:"queued_at,omitempty"`
}

type replayResult struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Method         string          `json:"method"`
	Path           string          `json:"path"`
	Status         int             `json:"status"`
	Response       json.RawMessage `json:"response,omitempty"`
}

// replayWriter captures a dispatched command's response.
type replayWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (w *replayWriter) Header() http.Header { return w.header }

func (w *replayWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(p)
}

func (w *replayWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func replayable(cmd replayCommand) bool {
	switch cmd.Method {
	case http.MethodPost, http.MethodDelete:
	default:
		return false
	}
	return strings.HasPrefix(cmd.Path, "/v1/") && !strings.HasPrefix(cmd.Path, "/v1/sync/")
}

// handleSyncReplay runs commands squadctl queued while offline, in order,
// through the same router and with the caller's credentials. Each command
// reports its own status; one rejection does not stop the batch.
func (s *Server) handleSyncReplay(w http.ResponseWriter, r *http.Request) {
	if _, err := playerFromContext(r.Context()); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Commands []replayCommand `json:"commands"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(in.Commands) > maxReplayCommands {
		writeError(w, http.StatusBadRequest, "too many commands")
		return
	}

	results := make([]replayResult, 0, len(in.Commands))
	for _, cmd := range in.Commands {
		res := replayResult{IdempotencyKey: cmd.IdempotencyKey, Method: cmd.Method, Path: cmd.Path}
		if !replayable(cmd) {
			res.Status = http.StatusBadRequest
			results = append(results, res)
			continue
		}
		// A fresh routing context, or chi treats the dispatch as a subrouter.
		ctx := context.WithValue(r.Context(), chi.RouteCtxKey, nil)
		req, err := http.NewRequestWithContext(ctx, cmd.Method, cmd.Path, bytes.NewReader(cmd.Body))
		if err != nil {
			res.Status = http.StatusBadRequest
			results = append(results, res)
			continue
		}
		req.Header.Set("Authorization", r.Header.Get("Authorization"))
		if cmd.IdempotencyKey != "" {
			req.Header.Set(idempotencyHeader, cmd.IdempotencyKey)
		}
		if len(cmd.Body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		rw := &replayWriter{header: http.Header{}}
		s.mux.ServeHTTP(rw, req)
		res.Status = rw.status
		if cmd.QueuedAt > 0 {
			s.log.Info("replayed queued command", "kind", cmd.Kind, "path", cmd.Path,
				"status", rw.status, "queued_for_sec", s.now().Unix()-cmd.QueuedAt)
		}
		if json.Valid(rw.body.Bytes()) {
			res.Response = json.RawMessage(bytes.TrimSpace(rw.body.Bytes()))
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
