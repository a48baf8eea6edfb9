// Package notify delivers escalation notifications to named channels such
// as "pager", "slack" or "email". Transports are plain Notifier values; a
// Router maps channel names onto them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownChannel is returned by a Router with no route or fallback for a channel
var ErrUnknownChannel = errors.New("notify: unknown channel")

// Notifier sends one message to one channel
type Notifier interface {
	Notify(ctx context.Context, channel, severity, message string, metadata map[string]string) error
}

// Func adapts a function to Notifier
type Func func(ctx context.Context, channel, severity, message string, metadata map[string]string) error

// Notify calls f
func (f Func) Notify(ctx context.Context, channel, severity, message string, metadata map[string]string) error {
	return f(ctx, channel, severity, message, metadata)
}

// Message is the wire form used by the NATS and webhook transports
type Message struct {
	Channel  string            `json:"channel"`
	Severity string            `json:"severity"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

// Log writes notifications to a zap logger. It never fails.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a log notifier
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Notify logs the message with its metadata as fields
func (l *Log) Notify(_ context.Context, channel, severity, message string, metadata map[string]string) error {
	fields := []zap.Field{
		zap.String("channel", channel),
		zap.String("severity", severity),
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.String(k, metadata[k]))
	}
	l.logger.Warn(message, fields...)
	return nil
}

// Router dispatches by channel name
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Notifier
	fallback Notifier
}

// NewRouter creates a router. Channels without a route go to fallback,
// which may be nil.
func NewRouter(fallback Notifier) *Router {
	return &Router{
		routes:   make(map[string]Notifier),
		fallback: fallback,
	}
}

// Route binds a channel to a notifier, replacing any previous binding
func (r *Router) Route(channel string, n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[channel] = n
}

// Channels returns the routed channel names, sorted
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.routes))
	for ch := range r.routes {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Notify sends through the channel's route or the fallback
func (r *Router) Notify(ctx context.Context, channel, severity, message string, metadata map[string]string) error {
	r.mu.RLock()
	n, ok := r.routes[channel]
	if !ok {
		n = r.fallback
	}
	r.mu.RUnlock()

	if n == nil {
		return fmt.Errorf("%w %q", ErrUnknownChannel, channel)
	}
	return n.Notify(ctx, channel, severity, message, metadata)
}

// Recorder keeps every message it receives. Channels listed in Fail return
// the mapped error instead of recording.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	Fail     map[string]error
}

// Notify records the message
func (r *Recorder) Notify(_ context.Context, channel, severity, message string, metadata map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err, ok := r.Fail[channel]; ok {
		return err
	}
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	r.messages = append(r.messages, Message{
		Channel:  channel,
		Severity: severity,
		Message:  message,
		Metadata: md,
	})
	return nil
}

// Messages returns a copy of the recorded messages
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Channels returns the channel of every recorded message in order
func (r *Recorder) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Channel
	}
	return out
}
