package server

import (
	"net/http"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gaspardpetit/busgate/internal/logx"
)

// MiddlewareChain returns the middleware applied to every route.
func MiddlewareChain(channelParam string) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		chiMiddleware.RequestID,
		chiMiddleware.Recoverer,
		requestLogger(channelParam),
	}
}

func requestLogger(channelParam string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := chiMiddleware.GetReqID(r.Context())
			logx.Log.Info().
				Str("request_id", reqID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("channel", r.URL.Query().Get(channelParam)).
				Msg("request")
			next.ServeHTTP(w, r)
		})
	}
}
