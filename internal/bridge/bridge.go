// Package bridge turns the frame stream published on one channel into a
// single HTTP response.
//
// A Bridge serves exactly one request. It subscribes to the channel, applies
// header, status and body frames to a pending response in delivery order and,
// when the end frame arrives, releases the subscription before writing the
// response. The subscription is also released when the request context ends,
// the idle deadline passes or the subscription fails, and in those cases the
// pending response is discarded.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/http/httpguts"

	"github.com/gaspardpetit/busgate/internal/bus"
	"github.com/gaspardpetit/busgate/internal/frame"
	"github.com/gaspardpetit/busgate/internal/logx"
	"github.com/gaspardpetit/busgate/internal/metrics"
)

// ErrIdleTimeout is reported when no delivery arrives within the idle
// deadline.
var ErrIdleTimeout = errors.New("idle timeout waiting for frames")

// State of a bridge's subscription.
type State int

const (
	Subscribed State = iota
	Closed
)

func (s State) String() string {
	if s == Closed {
		return "closed"
	}
	return "subscribed"
}

// Pending is the response assembled from frames.
type Pending struct {
	Header map[string]string
	Status int
	Body   string
}

func newPending() Pending {
	return Pending{Header: make(map[string]string), Status: frame.DefaultStatus}
}

// Options tune a Bridge.
type Options struct {
	// IdleTimeout bounds the wait for each delivery. Zero waits forever.
	IdleTimeout time.Duration
	// Logger defaults to logx.Log.
	Logger *zerolog.Logger
}

// Result describes how an exchange ended.
type Result struct {
	Outcome string
	Status  int // status written to the client, 0 when nothing was written
	Err     error
}

// Bridge relays the frames of one channel to one HTTP response.
type Bridge struct {
	id      string
	channel string
	bus     bus.Bus
	w       http.ResponseWriter
	idle    time.Duration
	log     zerolog.Logger

	state   State
	pending Pending
}

// New returns a bridge relaying channel to w.
func New(b bus.Bus, channel string, w http.ResponseWriter, opts Options) *Bridge {
	l := logx.Log
	if opts.Logger != nil {
		l = *opts.Logger
	}
	id := uuid.NewString()
	return &Bridge{
		id:      id,
		channel: channel,
		bus:     b,
		w:       w,
		idle:    opts.IdleTimeout,
		log:     l.With().Str("exchange", id).Str("channel", channel).Logger(),
		pending: newPending(),
	}
}

// ID returns the exchange identifier used in logs.
func (b *Bridge) ID() string { return b.id }

// State returns the current state.
func (b *Bridge) State() State { return b.state }

// Pending returns the response assembled so far.
func (b *Bridge) Pending() Pending { return b.pending }

// Run subscribes and relays frames until the exchange ends. It always
// releases the subscription before returning and writes at most one response.
func (b *Bridge) Run(ctx context.Context) Result {
	start := time.Now()
	res := b.run(ctx)
	metrics.RecordExchange(res.Outcome, time.Since(start))

	ev := b.log.Info()
	if res.Err != nil {
		ev = b.log.Warn().Err(res.Err)
	}
	ev.Str("outcome", res.Outcome).Int("status", res.Status).Dur("duration", time.Since(start)).Msg("exchange finished")
	return res
}

func (b *Bridge) run(ctx context.Context) Result {
	sub, err := b.bus.Subscribe(ctx, b.channel)
	if err != nil {
		switch {
		case errors.Is(err, bus.ErrInvalidTopic):
			WriteError(b.w, http.StatusBadRequest, "invalid_channel")
			return Result{Outcome: metrics.OutcomeBadRequest, Status: http.StatusBadRequest, Err: err}
		case ctx.Err() != nil:
			return Result{Outcome: metrics.OutcomeCanceled, Err: ctx.Err()}
		}
		WriteError(b.w, http.StatusBadGateway, "bus_unavailable")
		return Result{Outcome: metrics.OutcomeSubscribeError, Status: http.StatusBadGateway, Err: err}
	}
	release := sync.OnceFunc(func() {
		if err := sub.Close(); err != nil {
			b.log.Debug().Err(err).Msg("close subscription")
		}
	})
	defer release()
	metrics.ExchangeStarted()
	defer metrics.ExchangeFinished()
	b.log.Debug().Msg("subscribed")

	for b.state == Subscribed {
		msg, err := b.next(ctx, sub)
		if err != nil {
			switch {
			case errors.Is(err, frame.ErrMalformed):
				metrics.RecordFrame(frame.KindMalformed.String())
				b.log.Warn().Err(err).Msg("dropping delivery")
				continue
			case ctx.Err() != nil:
				b.state = Closed
				release()
				return Result{Outcome: metrics.OutcomeCanceled, Err: ctx.Err()}
			case errors.Is(err, ErrIdleTimeout):
				b.state = Closed
				release()
				b.fail(http.StatusGatewayTimeout, "idle_timeout")
				return Result{Outcome: metrics.OutcomeTimeout, Status: http.StatusGatewayTimeout, Err: err}
			default:
				b.state = Closed
				release()
				b.fail(http.StatusBadGateway, "bus_receive_failed")
				return Result{Outcome: metrics.OutcomeReceiveError, Status: http.StatusBadGateway, Err: err}
			}
		}
		b.Apply(msg)
	}

	release()
	b.writeResponse()
	return Result{Outcome: metrics.OutcomeCompleted, Status: b.pending.Status}
}

// next waits for one delivery, bounded by the idle deadline.
func (b *Bridge) next(ctx context.Context, sub bus.Subscription) (bus.Message, error) {
	if b.idle <= 0 {
		return sub.Next(ctx)
	}
	waitCtx, cancel := context.WithTimeout(ctx, b.idle)
	defer cancel()
	msg, err := sub.Next(waitCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return msg, ErrIdleTimeout
	}
	return msg, err
}

// Apply processes one delivery. Events after an end frame are ignored, as is
// everything once the bridge is closed.
func (b *Bridge) Apply(msg bus.Message) {
	if b.state == Closed {
		return
	}
	if msg.Topic != "" && msg.Topic != b.channel {
		metrics.RecordFrame(frame.KindMalformed.String())
		b.log.Warn().Str("topic", msg.Topic).Msg("dropping delivery for foreign topic")
		return
	}
	for _, ev := range frame.Parse(b.channel, msg.Parts) {
		metrics.RecordFrame(ev.Kind.String())
		switch ev.Kind {
		case frame.KindHeader:
			b.setHeader(ev.Name, ev.Value)
		case frame.KindStatus:
			code, err := frame.ParseStatus(ev.Value)
			if err != nil {
				b.log.Warn().Err(err).Msg("invalid status, using default")
			}
			b.pending.Status = code
		case frame.KindBody:
			b.pending.Body = ev.Value
		case frame.KindEnd:
			b.state = Closed
			return
		case frame.KindMalformed:
			b.log.Warn().Err(ev.Err).Msg("dropping frame")
		default:
			b.log.Debug().Str("tag", ev.Value).Msg("ignoring unknown frame")
		}
	}
}

// setHeader records the header and applies it to the outgoing header set
// right away.
func (b *Bridge) setHeader(name, value string) {
	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		metrics.RecordFrame(frame.KindMalformed.String())
		b.log.Warn().Str("header", name).Msg("dropping invalid header field")
		return
	}
	key := http.CanonicalHeaderKey(name)
	b.pending.Header[key] = value
	b.w.Header().Set(key, value)
}

func (b *Bridge) writeResponse() {
	b.w.WriteHeader(b.pending.Status)
	if _, err := io.WriteString(b.w, b.pending.Body); err != nil {
		b.log.Debug().Err(err).Msg("write body")
	}
}

// fail discards the pending response, including headers already applied,
// and writes an error instead.
func (b *Bridge) fail(status int, code string) {
	for name := range b.pending.Header {
		b.w.Header().Del(name)
	}
	b.pending = newPending()
	WriteError(b.w, status, code)
}

// WriteError writes a small JSON error document.
func WriteError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
