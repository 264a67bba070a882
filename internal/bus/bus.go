// Package bus abstracts the publish/subscribe transports busgate listens on.
//
// Every subscription filters on one exact topic and is owned by a single
// caller; Close releases the transport resource and is safe to call more than
// once.
package bus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gaspardpetit/busgate/internal/frame"
)

var (
	// ErrInvalidTopic is returned when the transport cannot filter on a topic.
	ErrInvalidTopic = errors.New("invalid topic")
	// ErrClosed is returned by operations on a closed bus or subscription.
	ErrClosed = errors.New("bus closed")
	// ErrUnsupportedScheme is returned by Open for unknown URL schemes.
	ErrUnsupportedScheme = errors.New("unsupported bus scheme")
)

// Message is one atomic multi-part delivery.
type Message struct {
	Topic string
	Parts [][]byte
}

// Subscription receives the deliveries published on one topic.
type Subscription interface {
	// Next blocks until a delivery arrives, ctx ends or the subscription is
	// closed. Errors wrapping frame.ErrMalformed concern a single delivery
	// and leave the subscription usable.
	Next(ctx context.Context) (Message, error)
	Close() error
}

// Bus opens subscriptions and publishes deliveries.
type Bus interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, parts [][]byte) error
	Close() error
}

// Open connects to the bus described by rawURL. Single-payload transports
// pack each delivery with codec.
//
//	memory://                  in-process bus
//	redis://, rediss://        Redis pub/sub (also redis-sentinel://, rediss-sentinel://)
//	nats://, tls://            NATS core subjects
//	host:port                  Redis without a scheme
func Open(rawURL string, codec frame.Codec) (Bus, error) {
	if codec == nil {
		codec = frame.JSON{}
	}
	if !strings.Contains(rawURL, "://") {
		return NewRedis(rawURL, codec)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("bus url: %w", err)
	}
	switch u.Scheme {
	case "memory":
		return NewMemory(), nil
	case "redis", "rediss", "redis-sentinel", "rediss-sentinel":
		return NewRedis(rawURL, codec)
	case "nats", "tls":
		return NewNATS(rawURL, codec)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
}

// Scheme returns a loggable description of rawURL without credentials.
func Scheme(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || !strings.Contains(rawURL, "://") {
		return "redis"
	}
	return u.Scheme
}

func copyParts(parts [][]byte) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = append([]byte(nil), p...)
	}
	return out
}
