package router

import (
	"net/http"

	"github.com/brickswap/backend/internal/admin"
	"github.com/brickswap/backend/internal/auth"
	"github.com/brickswap/backend/internal/middleware"
	"github.com/brickswap/backend/internal/posts"
	"github.com/brickswap/backend/internal/tokens"
)

// Deps carries everything the API routes need.
type Deps struct {
	Auth    *auth.Handler
	Tokens  *tokens.Handler
	Posts   *posts.Handler
	Admin   *admin.Handler
	Tokener middleware.TokenValidator
	EarnRL  *middleware.RateLimiter
	Metrics http.Handler
}

// New returns an http.Handler that serves the API under /api.
func New(d Deps) *http.ServeMux {
	mux := http.NewServeMux()
	authed := middleware.Authenticate(d.Tokener)
	user := func(h http.HandlerFunc) http.Handler { return authed(h) }
	adminOnly := func(h http.HandlerFunc) http.Handler { return authed(middleware.RequireAdmin(h)) }

	mux.HandleFunc("POST /api/auth/register", d.Auth.Register)
	mux.HandleFunc("POST /api/auth/login", d.Auth.Login)
	mux.Handle("GET /api/auth/me", user(d.Auth.Me))

	earn := http.Handler(http.HandlerFunc(d.Tokens.Earn))
	if d.EarnRL != nil {
		earn = d.EarnRL.Handler(earn)
	}
	mux.Handle("POST /api/tokens/earn", authed(earn))
	mux.Handle("GET /api/tokens/balance", user(d.Tokens.Balance))
	mux.Handle("GET /api/tokens/history", user(d.Tokens.History))

	mux.HandleFunc("GET /api/posts", d.Posts.List)
	mux.Handle("POST /api/posts", user(d.Posts.Create))
	mux.Handle("GET /api/posts/mine", user(d.Posts.ListMine))
	mux.Handle("GET /api/posts/all-posts", adminOnly(d.Posts.ListAll))
	mux.Handle("GET /api/posts/{id}", user(d.Posts.Get))
	mux.Handle("PUT /api/posts/{id}", user(d.Posts.Edit))
	mux.Handle("DELETE /api/posts/{id}", user(d.Posts.Delete))

	mux.Handle("GET /api/admin/users", adminOnly(d.Admin.ListUsers))
	mux.Handle("POST /api/admin/users/{id}/add-tokens", adminOnly(d.Admin.AddTokens))
	mux.Handle("GET /api/admin/users/{id}/token-history", adminOnly(d.Admin.TokenHistory))
	mux.Handle("GET /api/admin/users/{id}/reconcile", adminOnly(d.Admin.Reconcile))
	mux.Handle("GET /api/admin/stats/daily-tokens", adminOnly(d.Admin.DailyTokens))
	mux.Handle("GET /api/admin/stats/overview", adminOnly(d.Admin.Overview))

	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
