package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/agentmarket/backend/internal/models"
	"github.com/agentmarket/backend/internal/services"
)

type contextKey string

const (
	ctxUserKey  contextKey = "user"
	ctxAgentKey contextKey = "agent"
)

// AgentAuthenticator resolves a raw API key. *registry.Service satisfies it.
type AgentAuthenticator interface {
	Authenticate(ctx context.Context, raw string) (*models.Agent, error)
}

// AgentKey authenticates agent traffic by API key, read from a Bearer
// Authorization header or X-API-Key. The agent is stored in the request
// context.
func AgentKey(auth AgentAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				raw = strings.TrimSpace(r.Header.Get("X-API-Key"))
			}
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing api key")
				return
			}

			agent, err := auth.Authenticate(r.Context(), raw)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, services.ErrForbidden) {
					status = http.StatusForbidden
				}
				msg := services.Message(err)
				if msg == "" {
					msg = "invalid api key"
				}
				writeError(w, status, msg)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agent)))
		})
	}
}

// AgentFromCtx returns the authenticated agent, or nil.
func AgentFromCtx(ctx context.Context) *models.Agent {
	ag, _ := ctx.Value(ctxAgentKey).(*models.Agent)
	return ag
}

// WithAgent returns a context carrying the given agent.
func WithAgent(ctx context.Context, ag *models.Agent) context.Context {
	return context.WithValue(ctx, ctxAgentKey, ag)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
