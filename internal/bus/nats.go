package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/gaspardpetit/busgate/internal/frame"
)

// NATS is a Bus backed by NATS core subjects. The channel identifier is used
// as the literal subject, so wildcard tokens are refused.
type NATS struct {
	nc    *nats.Conn
	codec frame.Codec
}

// NewNATS connects to the NATS server at url.
func NewNATS(url string, codec frame.Codec) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("busgate"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{nc: nc, codec: codec}, nil
}

// validSubject reports whether topic names exactly one subject.
func validSubject(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, " \t\r\n") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidTopic, topic)
	}
	for _, tok := range strings.Split(topic, ".") {
		switch tok {
		case "":
			return fmt.Errorf("%w: %q has an empty token", ErrInvalidTopic, topic)
		case "*", ">":
			return fmt.Errorf("%w: %q is a wildcard", ErrInvalidTopic, topic)
		}
	}
	return nil
}

// Subscribe creates a synchronous subscription on topic and flushes it to
// the server before returning.
func (n *NATS) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := validSubject(topic); err != nil {
		return nil, err
	}
	sub, err := n.nc.SubscribeSync(topic)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	if err := n.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush %s: %w", topic, err)
	}
	return &natsSub{sub: sub, codec: n.codec}, nil
}

// Publish sends parts to topic as a single message.
func (n *NATS) Publish(ctx context.Context, topic string, parts [][]byte) error {
	if err := validSubject(topic); err != nil {
		return err
	}
	payload, err := n.codec.Encode(parts)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(topic, payload); err != nil {
		return err
	}
	return n.nc.FlushWithContext(ctx)
}

// Close closes the connection.
func (n *NATS) Close() error {
	n.nc.Close()
	return nil
}

type natsSub struct {
	sub   *nats.Subscription
	codec frame.Codec
	once  sync.Once
	err   error
}

func (s *natsSub) Next(ctx context.Context) (Message, error) {
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
			return Message{}, ErrClosed
		}
		return Message{}, err
	}
	parts, err := s.codec.Decode(msg.Data)
	if err != nil {
		return Message{Topic: msg.Subject}, err
	}
	return Message{Topic: msg.Subject, Parts: parts}, nil
}

func (s *natsSub) Close() error {
	s.once.Do(func() {
		s.err = s.sub.Unsubscribe()
		if errors.Is(s.err, nats.ErrConnectionClosed) {
			s.err = nil
		}
	})
	return s.err
}
