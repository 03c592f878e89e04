package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/architeacher/txtransport/pkg/transport/native"
)

// Well-known header keys.
const (
	HeaderMessageID        = "msg-id"
	HeaderLegacyMessageID  = "message-id"
	HeaderMessageType      = "msg-type"
	HeaderExpress          = "express"
	HeaderTimeToBeReceived = "time-to-be-received"

	unknownLabel = "<unknown ID>"
	readChunk    = 32 * 1024
)

// Message is the transport envelope: string headers and an opaque body.
type Message struct {
	Headers map[string]string
	Body    []byte
}

// NewMessage creates a message with a copy of headers.
func NewMessage(headers map[string]string, body []byte) *Message {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}

	return &Message{Headers: h, Body: body}
}

// LabelFunc derives the human-readable label of an outgoing entry.
type LabelFunc func(msg *Message) (string, error)

// DefaultLabel renders "<type> (<id>)" and fails when either header is missing.
func DefaultLabel(msg *Message) (string, error) {
	typ, ok := msg.Headers[HeaderMessageType]
	if !ok || typ == "" {
		return "", errors.New("message has no type header")
	}

	id, ok := msg.Headers[HeaderMessageID]
	if !ok || id == "" {
		return "", errors.New("message has no id header")
	}

	return fmt.Sprintf("%s (%s)", typ, id), nil
}

// label never fails: a failing or panicking label func falls back to the
// message id headers, then to a fixed placeholder.
func label(fn LabelFunc, msg *Message) (l string) {
	defer func() {
		if r := recover(); r != nil {
			l = fallbackLabel(msg)
		}
	}()

	if fn != nil {
		if l, err := fn(msg); err == nil && l != "" {
			return l
		}
	}

	return fallbackLabel(msg)
}

func fallbackLabel(msg *Message) string {
	if id, ok := msg.Headers[HeaderMessageID]; ok {
		return id
	}

	if id, ok := msg.Headers[HeaderLegacyMessageID]; ok {
		return id
	}

	return unknownLabel
}

// ParseTimeToBeReceived accepts "[d.]hh:mm[:ss[.fraction]]", a plain number of
// days, or a Go duration string such as "90s". The result must be positive.
func ParseTimeToBeReceived(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidTimeToBeReceived)
	}

	var (
		d   time.Duration
		err error
	)

	switch {
	case strings.Contains(s, ":"):
		d, err = parseClock(s)
	case isDigits(s):
		var days int64
		days, err = strconv.ParseInt(s, 10, 32)
		d = time.Duration(days) * 24 * time.Hour
	default:
		d, err = time.ParseDuration(s)
	}

	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidTimeToBeReceived, s, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("%w: %q is not positive", ErrInvalidTimeToBeReceived, s)
	}

	return d, nil
}

func parseClock(s string) (time.Duration, error) {
	var days int64

	first := strings.Index(s, ":")
	if dot := strings.Index(s[:first], "."); dot >= 0 {
		n, err := strconv.ParseInt(s[:dot], 10, 32)
		if err != nil {
			return 0, err
		}

		days = n
		s = s[dot+1:]
	}

	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, errors.New("expected hh:mm or hh:mm:ss")
	}

	hours, err := boundedInt(parts[0], 23)
	if err != nil {
		return 0, err
	}

	minutes, err := boundedInt(parts[1], 59)
	if err != nil {
		return 0, err
	}

	var seconds time.Duration

	if len(parts) == 3 {
		whole, frac, hasFrac := strings.Cut(parts[2], ".")

		sec, err := boundedInt(whole, 59)
		if err != nil {
			return 0, err
		}

		seconds = time.Duration(sec) * time.Second

		if hasFrac {
			if frac == "" || len(frac) > 7 || !isDigits(frac) {
				return 0, fmt.Errorf("invalid fraction %q", frac)
			}

			ticks, _ := strconv.ParseInt(frac+strings.Repeat("0", 7-len(frac)), 10, 64)
			seconds += time.Duration(ticks) * 100 * time.Nanosecond
		}
	}

	return time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		seconds, nil
}

func boundedInt(s string, upper int64) (int64, error) {
	if !isDigits(s) {
		return 0, fmt.Errorf("invalid component %q", s)
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}

	if n > upper {
		return 0, fmt.Errorf("component %q out of range", s)
	}

	return n, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}

	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}

// toEntry builds the native entry for msg: express messages are not
// recoverable, and only durable messages without a deadline are
// dead-lettered.
func toEntry(msg *Message, codec HeaderCodec, labelFn LabelFunc) (*native.Entry, error) {
	headers := msg.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	_, express := headers[HeaderExpress]
	ttl, hasTTL := headers[HeaderTimeToBeReceived]

	extension, err := codec.Encode(headers)
	if err != nil {
		return nil, err
	}

	entry := &native.Entry{
		Label:              label(labelFn, msg),
		Body:               bytes.NewReader(msg.Body),
		Extension:          extension,
		Recoverable:        !express,
		UseDeadLetterQueue: !(express || hasTTL),
		UseJournalQueue:    false,
	}

	if hasTTL {
		d, err := ParseTimeToBeReceived(ttl)
		if err != nil {
			return nil, err
		}

		entry.TimeToBeReceived = d
	}

	return entry, nil
}

// readBody copies r fully, checking ctx between chunks.
func readBody(ctx context.Context, r io.Reader) ([]byte, error) {
	if r == nil {
		return []byte{}, nil
	}

	var (
		buf   bytes.Buffer
		chunk = make([]byte, readChunk)
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := r.Read(chunk)
		buf.Write(chunk[:n])

		if errors.Is(err, io.EOF) {
			return append([]byte{}, buf.Bytes()...), nil
		}

		if err != nil {
			return nil, err
		}
	}
}
