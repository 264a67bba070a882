// Command busgate-publish publishes a complete response for a waiting
// busgate exchange: status, headers, body and the end marker, each as its own
// atomic delivery.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/busgate/internal/bus"
	"github.com/gaspardpetit/busgate/internal/config"
	"github.com/gaspardpetit/busgate/internal/frame"
	"github.com/gaspardpetit/busgate/internal/logx"
)

type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(v string) error {
	if !strings.Contains(v, ":") {
		return fmt.Errorf("header %q: want Name: value", v)
	}
	*h = append(*h, v)
	return nil
}

type options struct {
	busURL  string
	codec   string
	channel string
	status  string
	headers headerFlags
	body    string
	file    string
	delay   time.Duration
	timeout time.Duration
}

// deliveries builds the frame sequence for o in publish order.
func deliveries(o options, body string) [][][]byte {
	out := [][][]byte{frame.Status(o.channel, o.status)}
	for _, h := range o.headers {
		name, value, _ := strings.Cut(h, ":")
		out = append(out, frame.Header(o.channel, strings.TrimSpace(name), strings.TrimSpace(value)))
	}
	out = append(out, frame.Body(o.channel, body), frame.End(o.channel))
	return out
}

func readBody(o options, stdin io.Reader) (string, error) {
	switch o.file {
	case "":
		return o.body, nil
	case "-":
		b, err := io.ReadAll(stdin)
		return string(b), err
	}
	b, err := os.ReadFile(o.file)
	return string(b), err
}

func main() {
	var o options
	flag.StringVar(&o.busURL, "bus-url", config.GetEnv("BUS_URL", "redis://127.0.0.1:6379/0"), "message bus URL")
	flag.StringVar(&o.codec, "frame-codec", config.GetEnv("FRAME_CODEC", "json"), "multi-part frame encoding (json, cbor)")
	flag.StringVar(&o.channel, "channel", "", "channel to publish on; a random one is generated when empty")
	flag.StringVar(&o.status, "status", "200", "response status code")
	flag.Var(&o.headers, "header", "response header as 'Name: value' (repeatable)")
	flag.StringVar(&o.body, "body", "", "response body")
	flag.StringVar(&o.file, "body-file", "", "read the response body from a file ('-' for stdin)")
	flag.DurationVar(&o.delay, "delay", 0, "pause between deliveries")
	flag.DurationVar(&o.timeout, "timeout", 10*time.Second, "overall publish timeout")
	flag.Parse()

	if o.channel == "" {
		o.channel = uuid.NewString()
		fmt.Println(o.channel)
	}
	body, err := readBody(o, os.Stdin)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("read body")
	}
	codec, err := frame.CodecFor(o.codec)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("frame codec")
	}
	b, err := bus.Open(o.busURL, codec)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("bus", bus.Scheme(o.busURL)).Msg("connect bus")
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	for i, d := range deliveries(o, body) {
		if i > 0 && o.delay > 0 {
			time.Sleep(o.delay)
		}
		if err := b.Publish(ctx, o.channel, d); err != nil {
			logx.Log.Error().Err(err).Str("channel", o.channel).Msg("publish")
			return
		}
	}
	logx.Log.Info().Str("channel", o.channel).Str("status", o.status).Msg("published")
}
