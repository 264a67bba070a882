package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/busgate/internal/frame"
)

// Redis is a Bus backed by Redis pub/sub. The client is shared; every
// subscription holds its own PubSub connection subscribed to one exact
// channel. A delivery is one PUBLISH whose payload is the codec-encoded part
// list.
type Redis struct {
	client redis.UniversalClient
	codec  frame.Codec
}

// NewRedis connects to the given Redis URL and verifies the connection.
func NewRedis(addr string, codec frame.Codec) (*Redis, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(context.Background()).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: c, codec: codec}, nil
}

// parseRedisURL parses addr into UniversalOptions supporting single, cluster,
// and sentinel Redis deployments. If no scheme is present, addr is treated as
// a plain host:port string.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	q := u.Query()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch u.Scheme {
	case "redis", "rediss":
		if u.Path != "" && u.Path != "/" {
			db, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/"))
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
			opts.DB = db
		} else if dbStr := q.Get("db"); dbStr != "" {
			db, err := strconv.Atoi(dbStr)
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
			opts.DB = db
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = tlsCfg
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if dbStr := q.Get("db"); dbStr != "" {
			db, err := strconv.Atoi(dbStr)
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
			opts.DB = db
		}
		if v := q.Get("sentinel_username"); v != "" {
			opts.SentinelUsername = v
		}
		if v := q.Get("sentinel_password"); v != "" {
			opts.SentinelPassword = v
		}
		if u.Scheme == "rediss-sentinel" {
			opts.TLSConfig = tlsCfg
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}

	return opts, nil
}

// Subscribe issues SUBSCRIBE for topic and waits for the server to confirm
// it, so deliveries published after Subscribe returns are not missed.
func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}
	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	return &redisSub{ps: ps, ch: ps.Channel(), codec: r.codec}, nil
}

// Publish sends parts to topic as a single message.
func (r *Redis) Publish(ctx context.Context, topic string, parts [][]byte) error {
	payload, err := r.codec.Encode(parts)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, topic, payload).Err()
}

// Close closes the shared client.
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	ps    *redis.PubSub
	ch    <-chan *redis.Message
	codec frame.Codec
	once  sync.Once
	err   error
}

func (s *redisSub) Next(ctx context.Context) (Message, error) {
	select {
	case m, ok := <-s.ch:
		if !ok {
			return Message{}, ErrClosed
		}
		parts, err := s.codec.Decode([]byte(m.Payload))
		if err != nil {
			return Message{Topic: m.Channel}, err
		}
		return Message{Topic: m.Channel, Parts: parts}, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *redisSub) Close() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
	})
	return s.err
}
