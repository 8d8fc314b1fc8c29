package httpserver

import (
	"context"
	"net/http"

	"github.com/iago/content-worker/internal/http/handlers"
	"github.com/iago/content-worker/internal/http/middleware"
	"github.com/rs/zerolog"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         zerolog.Logger
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/v1/jobs", deps.API.SubmitJob)
	mux.HandleFunc("/v1/jobs/", deps.API.JobRoutes)
	mux.HandleFunc("/v1/limiters", deps.API.Limiters)

	handler := http.Handler(mux)
	handler = middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.Trace(handler)
	handler = middleware.RequestID(deps.Logger)(handler)

	return handler
}
