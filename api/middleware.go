package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	"evidence-ledger/core/errs"
	"evidence-ledger/core/store"
)

const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
	maxBodyBytes    = 64 << 20
)

type actorKey struct{}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if s.logger != nil {
					s.logger.Errorf("PANIC %s %s: %v\n%s", r.Method, r.URL.Path, rec, string(debug.Stack()))
				}
				writeError(w, http.StatusInternalServerError, errs.CodePersistence, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireActor reads the caller identity forwarded by the auth provider. Only user roles are
// accepted; the system actor exists in-process for breach reactions and never comes over HTTP.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(headerActorRole))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+headerActorRole)
			return
		}
		role, err := store.ParseRole(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		actor := store.Actor{UserID: strings.TrimSpace(r.Header.Get(headerActorID)), Role: role}
		if actor.UserID == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+headerActorID)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func currentActor(r *http.Request) store.Actor {
	actor, _ := r.Context().Value(actorKey{}).(store.Actor)
	return actor
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, errs.CodeValidation, "invalid json body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}

// writeDomainError maps the error taxonomy onto HTTP statuses. Persistence details stay in the log.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	de, ok := errs.AsDomainError(err)
	if !ok || de.Code == errs.CodePersistence {
		s.logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, errs.CodePersistence, "internal server error")
		return
	}
	writeError(w, domainErrorHTTPStatus(de.Code), de.Code, de.Message)
}

func domainErrorHTTPStatus(code string) int {
	switch code {
	case errs.CodeValidation, errs.CodeOutOfRange:
		return http.StatusBadRequest
	case errs.CodeForbidden:
		return http.StatusForbidden
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeDuplicateEvidence, errs.CodeAnchorConflict, errs.CodeConcurrentModification, errs.CodeTerminalState:
		return http.StatusConflict
	case errs.CodeInvalidTransition:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func parseIntDefault(raw string, def int) int {
	value := strings.TrimSpace(raw)
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return n
}
