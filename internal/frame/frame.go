// Package frame implements the tagged multi-part message protocol a publisher
// uses to describe an HTTP response on a channel.
//
// A delivery is an ordered list of parts. Each logical event starts with a
// tag part "<channel>:<kind>" followed by its value parts, every value part
// carrying the "<channel> " prefix:
//
//	["<ch>:header", "<ch> <name>", "<ch> <value>"]
//	["<ch>:status", "<ch> <code>"]
//	["<ch>:body", "<ch> <content>"]
//	["<ch>:end"]
package frame

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed marks an event whose shape does not match its tag.
var ErrMalformed = errors.New("malformed frame")

// Kind identifies the type of a logical event.
type Kind int

const (
	KindUnknown Kind = iota
	KindHeader
	KindStatus
	KindBody
	KindEnd
	KindMalformed
)

var kindNames = map[Kind]string{
	KindUnknown:   "unknown",
	KindHeader:    "header",
	KindStatus:    "status",
	KindBody:      "body",
	KindEnd:       "end",
	KindMalformed: "malformed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// valueParts is the number of parts following each tag.
var valueParts = map[Kind]int{
	KindHeader: 2,
	KindStatus: 1,
	KindBody:   1,
	KindEnd:    0,
}

// Event is one decoded logical event of a delivery.
type Event struct {
	Kind  Kind
	Name  string // header name
	Value string // header value, status code, body or the raw tag for unknown events
	Err   error  // set when Kind is KindMalformed
}

// Tag returns the tag part announcing an event of kind k on channel.
func Tag(channel string, k Kind) string {
	return channel + ":" + k.String()
}

// Prefix returns the literal prefix carried by every value part on channel.
func Prefix(channel string) string {
	return channel + " "
}

// StripPrefix removes the channel prefix from the start of part exactly once.
// It reports false when part does not carry the prefix.
func StripPrefix(channel, part string) (string, bool) {
	return strings.CutPrefix(part, Prefix(channel))
}

func kindOf(channel, tag string) Kind {
	rest, ok := strings.CutPrefix(tag, channel+":")
	if !ok {
		return KindUnknown
	}
	switch rest {
	case "header":
		return KindHeader
	case "status":
		return KindStatus
	case "body":
		return KindBody
	case "end":
		return KindEnd
	}
	return KindUnknown
}

// Parse decodes one atomic delivery received on channel into its events, in
// order. Parts at a tag position that are not a recognised tag yield a
// KindUnknown event and the cursor moves by one. Parsing stops after the
// first end event; parts following it are not reported. A tag without enough
// value parts ends the delivery with a KindMalformed event.
func Parse(channel string, parts [][]byte) []Event {
	var events []Event
	for i := 0; i < len(parts); {
		tag := string(parts[i])
		kind := kindOf(channel, tag)
		if kind == KindUnknown {
			events = append(events, Event{Kind: KindUnknown, Value: tag})
			i++
			continue
		}
		if kind == KindEnd {
			return append(events, Event{Kind: KindEnd})
		}
		n := valueParts[kind]
		if i+n >= len(parts) {
			err := fmt.Errorf("%w: %s needs %d value parts, got %d", ErrMalformed, tag, n, len(parts)-i-1)
			return append(events, Event{Kind: KindMalformed, Value: tag, Err: err})
		}
		values := make([]string, n)
		ev := Event{Kind: kind}
		for j := range values {
			v, ok := StripPrefix(channel, string(parts[i+1+j]))
			if !ok {
				ev = Event{Kind: KindMalformed, Value: tag, Err: fmt.Errorf("%w: %s value part %d lacks prefix %q", ErrMalformed, tag, j+1, Prefix(channel))}
				break
			}
			values[j] = v
		}
		if ev.Kind != KindMalformed {
			if kind == KindHeader {
				ev.Name, ev.Value = values[0], values[1]
			} else {
				ev.Value = values[0]
			}
		}
		events = append(events, ev)
		i += 1 + n
	}
	return events
}

// Header builds the delivery setting header name to value.
func Header(channel, name, value string) [][]byte {
	return [][]byte{[]byte(Tag(channel, KindHeader)), []byte(Prefix(channel) + name), []byte(Prefix(channel) + value)}
}

// Status builds the delivery setting the response status code.
func Status(channel, code string) [][]byte {
	return [][]byte{[]byte(Tag(channel, KindStatus)), []byte(Prefix(channel) + code)}
}

// Body builds the delivery setting the response body.
func Body(channel, content string) [][]byte {
	return [][]byte{[]byte(Tag(channel, KindBody)), []byte(Prefix(channel) + content)}
}

// End builds the terminal delivery.
func End(channel string) [][]byte {
	return [][]byte{[]byte(Tag(channel, KindEnd))}
}
