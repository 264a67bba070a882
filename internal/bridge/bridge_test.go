package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/gaspardpetit/busgate/internal/bus"
	"github.com/gaspardpetit/busgate/internal/frame"
	"github.com/gaspardpetit/busgate/internal/metrics"
)

// countingBus records how many times each topic's subscriptions are closed.
type countingBus struct {
	*bus.Memory
	mu     sync.Mutex
	closes map[string]int
}

func newCountingBus() *countingBus {
	return &countingBus{Memory: bus.NewMemory(), closes: make(map[string]int)}
}

func (c *countingBus) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
	s, err := c.Memory.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	return &countingSub{Subscription: s, parent: c, topic: topic}, nil
}

func (c *countingBus) closeCount(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes[topic]
}

type countingSub struct {
	bus.Subscription
	parent *countingBus
	topic  string
}

func (s *countingSub) Close() error {
	s.parent.mu.Lock()
	s.parent.closes[s.topic]++
	s.parent.mu.Unlock()
	return s.Subscription.Close()
}

type failingBus struct {
	bus.Bus
	err error
}

func (f failingBus) Subscribe(context.Context, string) (bus.Subscription, error) {
	return nil, f.err
}

type brokenSub struct{ closed int }

func (b *brokenSub) Next(context.Context) (bus.Message, error) {
	return bus.Message{}, errors.New("connection reset")
}

func (b *brokenSub) Close() error { b.closed++; return nil }

type brokenBus struct {
	bus.Bus
	sub *brokenSub
}

func (b brokenBus) Subscribe(context.Context, string) (bus.Subscription, error) {
	return b.sub, nil
}

func waitSubscribed(t *testing.T, m *bus.Memory, topic string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Subscribers(topic) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no subscription on %q", topic)
		}
		time.Sleep(time.Millisecond)
	}
}

func start(ctx context.Context, b bus.Bus, channel string, opts Options) (*httptest.ResponseRecorder, <-chan Result) {
	rec := httptest.NewRecorder()
	done := make(chan Result, 1)
	br := New(b, channel, rec, opts)
	go func() { done <- br.Run(ctx) }()
	return rec, done
}

func await(t *testing.T, done <-chan Result) Result {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(3 * time.Second):
		t.Fatalf("bridge did not finish")
	}
	return Result{}
}

func publish(t *testing.T, b bus.Bus, channel string, deliveries ...[][]byte) {
	t.Helper()
	for _, d := range deliveries {
		if err := b.Publish(context.Background(), channel, d); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
}

func TestRelaysResponse(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newCountingBus()
	defer b.Close()

	rec, done := start(context.Background(), b, "job42", Options{})
	waitSubscribed(t, b.Memory, "job42")
	publish(t, b, "job42",
		frame.Status("job42", "200"),
		frame.Header("job42", "Content-Type", "text/plain"),
		frame.Body("job42", "OK"),
		frame.End("job42"),
	)
	res := await(t, done)

	if res.Outcome != metrics.OutcomeCompleted || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	if ct := rec.Header().Values("Content-Type"); len(ct) != 1 || ct[0] != "text/plain" {
		t.Fatalf("Content-Type = %v", ct)
	}
	if rec.Body.String() != "OK" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if n := b.closeCount("job42"); n != 1 {
		t.Fatalf("subscription closed %d times; want 1", n)
	}
}

func TestEndWithoutStatusOrBody(t *testing.T) {
	b := newCountingBus()
	defer b.Close()

	rec, done := start(context.Background(), b, "bare", Options{})
	waitSubscribed(t, b.Memory, "bare")
	publish(t, b, "bare", frame.End("bare"))
	res := await(t, done)

	if rec.Code != http.StatusInternalServerError || res.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d (result %d); want 500", rec.Code, res.Status)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("body = %q; want empty", rec.Body.String())
	}
	if n := b.closeCount("bare"); n != 1 {
		t.Fatalf("subscription closed %d times; want 1", n)
	}
	if b.Subscribers("bare") != 0 {
		t.Fatalf("subscription still registered")
	}
}

func TestLastWriteWins(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()

	rec, done := start(context.Background(), b, "c", Options{})
	waitSubscribed(t, b, "c")
	publish(t, b, "c",
		frame.Header("c", "Content-Type", "text/plain"),
		frame.Status("c", "201"),
		frame.Body("c", "first"),
		frame.Header("c", "content-type", "application/json"),
		frame.Status("c", "202"),
		frame.Body("c", `{"ok":true}`),
		frame.End("c"),
	)
	await(t, done)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d; want 202", rec.Code)
	}
	if ct := rec.Header().Values("Content-Type"); len(ct) != 1 || ct[0] != "application/json" {
		t.Fatalf("Content-Type = %v; want single application/json", ct)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestSingleDeliveryCarriesSeveralEvents(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()

	rec, done := start(context.Background(), b, "multi", Options{})
	waitSubscribed(t, b, "multi")
	var all [][]byte
	all = append(all, frame.Status("multi", "404")...)
	all = append(all, frame.Body("multi", "multi not found")...)
	all = append(all, frame.End("multi")...)
	all = append(all, frame.Body("multi", "after end")...)
	publish(t, b, "multi", all)
	await(t, done)

	if rec.Code != http.StatusNotFound || rec.Body.String() != "multi not found" {
		t.Fatalf("response = %d %q", rec.Code, rec.Body.String())
	}
}

func TestConcurrentChannelsIsolated(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()

	recA, doneA := start(context.Background(), b, "a", Options{})
	recB, doneB := start(context.Background(), b, "b", Options{})
	waitSubscribed(t, b, "a")
	waitSubscribed(t, b, "b")

	publish(t, b, "a", frame.Status("a", "200"))
	publish(t, b, "b", frame.Status("b", "418"))
	publish(t, b, "a", frame.Body("a", "from a"))
	publish(t, b, "b", frame.Body("b", "from b"))
	publish(t, b, "b", frame.End("b"))
	publish(t, b, "a", frame.End("a"))
	await(t, doneA)
	await(t, doneB)

	if recA.Code != 200 || recA.Body.String() != "from a" {
		t.Fatalf("a = %d %q", recA.Code, recA.Body.String())
	}
	if recB.Code != 418 || recB.Body.String() != "from b" {
		t.Fatalf("b = %d %q", recB.Code, recB.Body.String())
	}
}

func TestMalformedFramesDoNotAbort(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()

	rec, done := start(context.Background(), b, "m", Options{})
	waitSubscribed(t, b, "m")
	publish(t, b, "m",
		[][]byte{[]byte("m:header"), []byte("m X-Only-Name")},
		[][]byte{[]byte("m:trailer"), []byte("m ignored")},
		[][]byte{[]byte("m:body"), []byte("other prefix")},
		frame.Header("m", "Bad Name", "v"),
		frame.Header("m", "X-Ok", "yes"),
		frame.Status("m", "two hundred"),
		frame.End("m"),
	)
	await(t, done)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d; invalid status should fall back to 500", rec.Code)
	}
	if rec.Header().Get("X-Ok") != "yes" {
		t.Fatalf("valid header lost: %v", rec.Header())
	}
	if rec.Header().Get("X-Only-Name") != "" || rec.Header().Get("Bad Name") != "" {
		t.Fatalf("malformed header applied: %v", rec.Header())
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("body = %q; unprefixed body must be dropped", rec.Body.String())
	}
}

func TestIdleTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newCountingBus()
	defer b.Close()

	rec, done := start(context.Background(), b, "slow", Options{IdleTimeout: 50 * time.Millisecond})
	waitSubscribed(t, b.Memory, "slow")
	publish(t, b, "slow", frame.Header("slow", "X-Partial", "1"))
	res := await(t, done)

	if res.Outcome != metrics.OutcomeTimeout || !errors.Is(res.Err, ErrIdleTimeout) {
		t.Fatalf("result = %+v", res)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d; want 504", rec.Code)
	}
	if rec.Header().Get("X-Partial") != "" {
		t.Fatalf("frame headers must not leak into error response")
	}
	if !strings.Contains(rec.Body.String(), "idle_timeout") {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if n := b.closeCount("slow"); n != 1 {
		t.Fatalf("subscription closed %d times; want 1", n)
	}
}

func TestClientCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newCountingBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	rec, done := start(ctx, b, "gone", Options{})
	waitSubscribed(t, b.Memory, "gone")
	publish(t, b, "gone", frame.Status("gone", "200"))
	cancel()
	res := await(t, done)

	if res.Outcome != metrics.OutcomeCanceled || res.Status != 0 {
		t.Fatalf("result = %+v", res)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("nothing should be written for a canceled request: %q", rec.Body.String())
	}
	if n := b.closeCount("gone"); n != 1 {
		t.Fatalf("subscription closed %d times; want 1", n)
	}
	if b.Subscribers("gone") != 0 {
		t.Fatalf("subscription leaked")
	}
}

func TestSubscribeFailure(t *testing.T) {
	rec, done := start(context.Background(), failingBus{err: errors.New("dial tcp: refused")}, "x", Options{})
	res := await(t, done)
	if rec.Code != http.StatusBadGateway || res.Outcome != metrics.OutcomeSubscribeError {
		t.Fatalf("status = %d result = %+v", rec.Code, res)
	}
}

func TestInvalidTopic(t *testing.T) {
	rec, done := start(context.Background(), failingBus{err: bus.ErrInvalidTopic}, "jobs.*", Options{})
	res := await(t, done)
	if rec.Code != http.StatusBadRequest || res.Outcome != metrics.OutcomeBadRequest {
		t.Fatalf("status = %d result = %+v", rec.Code, res)
	}
}

func TestReceiveError(t *testing.T) {
	sub := &brokenSub{}
	rec, done := start(context.Background(), brokenBus{sub: sub}, "x", Options{})
	res := await(t, done)
	if rec.Code != http.StatusBadGateway || res.Outcome != metrics.OutcomeReceiveError {
		t.Fatalf("status = %d result = %+v", rec.Code, res)
	}
	if sub.closed != 1 {
		t.Fatalf("subscription closed %d times; want 1", sub.closed)
	}
}

func TestApplyIgnoresForeignTopicAndClosedState(t *testing.T) {
	rec := httptest.NewRecorder()
	br := New(bus.NewMemory(), "mine", rec, Options{})

	br.Apply(bus.Message{Topic: "theirs", Parts: frame.Body("theirs", "x")})
	if br.Pending().Body != "" {
		t.Fatalf("foreign delivery applied")
	}
	br.Apply(bus.Message{Topic: "mine", Parts: frame.End("mine")})
	if br.State() != Closed {
		t.Fatalf("state = %s; want closed", br.State())
	}
	br.Apply(bus.Message{Topic: "mine", Parts: frame.Body("mine", "late")})
	if br.Pending().Body != "" {
		t.Fatalf("delivery applied after end")
	}
}
