// Package router assembles the /v1 API from the feature handlers and the
// middleware that guards them.
package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentmarket/backend/internal/auth"
	"github.com/agentmarket/backend/internal/dashboard"
	"github.com/agentmarket/backend/internal/handlers"
	"github.com/agentmarket/backend/internal/middleware"
	"github.com/agentmarket/backend/internal/models"
	"github.com/agentmarket/backend/internal/ratelimit"
	"github.com/agentmarket/backend/internal/registry"
)

// Pinger reports database reachability for /healthz. *pgxpool.Pool
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the handlers and guards the router wires together.
type Deps struct {
	Auth      *auth.Handler
	Agents    *registry.Handler
	Tasks     *handlers.TaskHandler
	Disputes  *handlers.DisputeHandler
	Wallet    *handlers.WalletHandler
	Reviews   *handlers.ReviewHandler
	Dashboard *dashboard.Handler

	Tokens    middleware.TokenValidator
	AgentKeys middleware.AgentAuthenticator
	Limiter   ratelimit.Limiter
	DB        Pinger
	Logger    *slog.Logger
}

type mw = func(http.Handler) http.Handler

// New returns the root handler: /healthz plus every /v1 route. Each request
// is logged and counted against the global rate limit.
func New(d Deps) http.Handler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	limit := func(rule ratelimit.Rule) mw { return middleware.RateLimit(d.Limiter, rule, log) }
	userAuth := middleware.UserAuth(d.Tokens)
	agentKey := middleware.AgentKey(d.AgentKeys)
	admin := middleware.RequireRole(models.RoleAdmin)

	user := func(h http.HandlerFunc, extra ...mw) http.Handler {
		return middleware.Chain(h, append(extra, userAuth)...)
	}
	agent := func(h http.HandlerFunc, extra ...mw) http.Handler {
		return middleware.Chain(h, append(extra, agentKey)...)
	}

	api := http.NewServeMux()

	api.Handle("POST /v1/auth/register", middleware.Chain(http.HandlerFunc(d.Auth.Register), limit(ratelimit.Auth)))
	api.Handle("POST /v1/auth/login", middleware.Chain(http.HandlerFunc(d.Auth.Login), limit(ratelimit.Auth)))

	api.Handle("GET /v1/me", user(d.Dashboard.GetMe))
	api.Handle("GET /v1/notifications", user(d.Dashboard.ListNotifications))
	api.Handle("POST /v1/notifications/read-all", user(d.Dashboard.MarkAllRead))
	api.Handle("POST /v1/notifications/{id}/read", user(d.Dashboard.MarkRead))
	api.Handle("POST /v1/webhooks/configure", user(d.Dashboard.ConfigureWebhook))

	api.Handle("GET /v1/wallet", user(d.Wallet.Get))
	api.Handle("GET /v1/wallet/transactions", user(d.Wallet.Transactions))
	api.Handle("POST /v1/wallet/top-up", user(d.Wallet.TopUp, limit(ratelimit.Wallet)))
	api.Handle("POST /v1/wallet/withdraw", user(d.Wallet.Withdraw, limit(ratelimit.Wallet)))
	api.Handle("GET /v1/earnings", user(d.Wallet.Earnings))

	api.Handle("POST /v1/agents", middleware.Chain(http.HandlerFunc(d.Agents.CreateAgent), userAuth, middleware.RequireRole(models.RoleAgent)))
	api.Handle("GET /v1/agents", user(d.Agents.ListAgents))
	api.Handle("GET /v1/agents/mine", user(d.Agents.MyAgents))
	api.Handle("GET /v1/agents/{id}", user(d.Agents.GetAgent))
	api.Handle("POST /v1/agents/{id}/api-key", user(d.Agents.RotateKey))
	api.Handle("PATCH /v1/agents/{id}/status", user(d.Agents.SetStatus))

	api.Handle("POST /v1/tasks", user(d.Tasks.CreateTask, limit(ratelimit.TaskCreate)))
	api.Handle("GET /v1/tasks", user(d.Tasks.ListTasks))
	api.Handle("GET /v1/tasks/{id}", user(d.Tasks.GetTask))
	api.Handle("GET /v1/tasks/{id}/applications", user(d.Tasks.ListApplications))
	api.Handle("GET /v1/tasks/{id}/suggestions", user(d.Tasks.Suggestions))
	api.Handle("POST /v1/tasks/{id}/select", user(d.Tasks.Select))
	api.Handle("POST /v1/tasks/{id}/assign", user(d.Tasks.Assign))
	api.Handle("POST /v1/tasks/{id}/approve", user(d.Tasks.Approve))
	api.Handle("POST /v1/tasks/{id}/dispute", user(d.Tasks.Dispute))
	api.Handle("POST /v1/tasks/{id}/cancel", user(d.Tasks.Cancel))

	api.Handle("GET /v1/agent/tasks", agent(d.Tasks.AgentTasks))
	api.Handle("GET /v1/agent/tasks/available", agent(d.Tasks.Available))
	api.Handle("POST /v1/agent/tasks/{id}/apply", agent(d.Tasks.Apply, limit(ratelimit.AgentApply)))
	api.Handle("POST /v1/agent/tasks/{id}/start", agent(d.Tasks.Start))
	api.Handle("POST /v1/agent/tasks/{id}/submit", agent(d.Tasks.Submit))
	api.Handle("GET /v1/agent/applications", agent(d.Tasks.AgentApplications))
	api.Handle("GET /v1/agent/me", agent(d.Agents.Me))
	api.Handle("POST /v1/agent/heartbeat", agent(d.Agents.Heartbeat))

	api.Handle("POST /v1/reviews", user(d.Reviews.Create))

	api.Handle("GET /v1/disputes", user(d.Disputes.List))
	api.Handle("GET /v1/disputes/{id}", user(d.Disputes.Get))
	api.Handle("POST /v1/disputes/{id}/respond", user(d.Disputes.Respond))
	api.Handle("POST /v1/disputes/{id}/resolve", middleware.Chain(http.HandlerFunc(d.Disputes.Resolve), userAuth, admin))

	api.Handle("GET /v1/admin/stats", middleware.Chain(http.HandlerFunc(d.Dashboard.AdminStats), userAuth, admin))

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", health(d.DB, log))
	root.Handle("/v1/", middleware.Chain(api, limit(ratelimit.Global)))

	return middleware.Logging(log)(root)
}

func health(db Pinger, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			log.Warn("health check failed", "error", err)
			handlers.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
