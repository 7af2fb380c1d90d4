package api

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

const idempotencyHeader = "Idempotency-Key"

// idempotencyMiddleware makes a mutation carrying an Idempotency-Key run at
// most once per player. Repeats get the first outcome back. A key still in
// flight, or reused for a different command, is rejected.
func (s *Server) idempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" || (r.Method != http.MethodPost && r.Method != http.MethodDelete) {
			next.ServeHTTP(w, r)
			return
		}
		playerID, err := playerFromContext(r.Context())
		if err != nil {
			writeReason(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}

		action := r.Method + " " + r.URL.Path
		rec, claimed, err := s.sessions.Store().ClaimIdempotency(r.Context(), playerID, key, action, s.now().Unix())
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		if !claimed {
			switch {
			case rec.Action != action:
				writeReason(w, http.StatusConflict, "idempotency_key_reused", "idempotency key was used for "+rec.Action)
			case rec.Status == 0:
				writeReason(w, http.StatusConflict, "request_in_flight", "a request with this idempotency key is still running")
			default:
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(rec.Status)
				_, _ = w.Write(rec.Response)
			}
			return
		}

		var body bytes.Buffer
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&body)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		// Server faults may not have taken effect; let the client try again.
		if status >= http.StatusInternalServerError {
			if err := s.sessions.Store().ReleaseIdempotency(r.Context(), playerID, key); err != nil {
				s.log.Warn("release idempotency key", "player_id", playerID, "key", key, "err", err)
			}
			return
		}
		if err := s.sessions.Store().RecordIdempotency(r.Context(), playerID, key, status, body.Bytes()); err != nil {
			s.log.Warn("record idempotency key", "player_id", playerID, "key", key, "err", err)
		}
	})
}
