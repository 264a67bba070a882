package server

import (
	"net/http"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gaspardpetit/busgate/internal/bridge"
	"github.com/gaspardpetit/busgate/internal/bus"
	"github.com/gaspardpetit/busgate/internal/logx"
	"github.com/gaspardpetit/busgate/internal/metrics"
	"github.com/gaspardpetit/busgate/internal/serverstate"
)

// ExchangeHandler answers any request carrying a channel with the response
// published on that channel. It keeps no state between requests; every
// request gets its own bridge and subscription.
type ExchangeHandler struct {
	Bus          bus.Bus
	ChannelParam string
	IdleTimeout  time.Duration
}

func (h *ExchangeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if serverstate.IsDraining() {
		metrics.RecordExchange(metrics.OutcomeDraining, 0)
		bridge.WriteError(w, http.StatusServiceUnavailable, "draining")
		return
	}
	channel := r.URL.Query().Get(h.ChannelParam)
	if channel == "" {
		metrics.RecordExchange(metrics.OutcomeBadRequest, 0)
		bridge.WriteError(w, http.StatusBadRequest, "missing_channel")
		return
	}

	serverstate.InFlight().Inc()
	defer serverstate.InFlight().Dec()

	l := logx.Log.With().Str("request_id", chiMiddleware.GetReqID(r.Context())).Logger()
	b := bridge.New(h.Bus, channel, w, bridge.Options{IdleTimeout: h.IdleTimeout, Logger: &l})
	b.Run(r.Context())
}
