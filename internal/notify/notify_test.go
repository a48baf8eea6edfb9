package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	n := NewLog(zap.New(core))

	err := n.Notify(context.Background(), "pager", "P1", "checkout down", map[string]string{"incident": "abc"})
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "checkout down", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "pager", fields["channel"])
	assert.Equal(t, "abc", fields["incident"])
}

func TestRouter(t *testing.T) {
	ctx := context.Background()

	t.Run("routes by channel", func(t *testing.T) {
		pager := &Recorder{}
		chat := &Recorder{}
		r := NewRouter(nil)
		r.Route("pager", pager)
		r.Route("slack", chat)

		require.NoError(t, r.Notify(ctx, "slack", "P3", "hello", nil))
		assert.Empty(t, pager.Messages())
		assert.Equal(t, []string{"slack"}, chat.Channels())
		assert.Equal(t, []string{"pager", "slack"}, r.Channels())
	})

	t.Run("unknown channel without fallback", func(t *testing.T) {
		r := NewRouter(nil)
		err := r.Notify(ctx, "email", "P2", "hello", nil)
		assert.ErrorIs(t, err, ErrUnknownChannel)
	})

	t.Run("fallback", func(t *testing.T) {
		fb := &Recorder{}
		r := NewRouter(fb)
		require.NoError(t, r.Notify(ctx, "email", "P2", "hello", nil))
		assert.Equal(t, []string{"email"}, fb.Channels())
	})
}

func TestRecorderFail(t *testing.T) {
	boom := errors.New("smtp down")
	r := &Recorder{Fail: map[string]error{"email": boom}}

	assert.ErrorIs(t, r.Notify(context.Background(), "email", "P1", "x", nil), boom)
	assert.NoError(t, r.Notify(context.Background(), "pager", "P1", "x", nil))
	assert.Equal(t, []string{"pager"}, r.Channels())
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestNATS(t *testing.T) {
	t.Run("publishes json to prefixed subject", func(t *testing.T) {
		pub := &fakePublisher{}
		n := NewNATS(pub, "bulwark.notify")
		n.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

		err := n.Notify(context.Background(), "pager", "P1", "db down", map[string]string{"service": "orders"})
		require.NoError(t, err)

		require.Equal(t, []string{"bulwark.notify.pager"}, pub.subjects)
		var msg Message
		require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
		assert.Equal(t, "P1", msg.Severity)
		assert.Equal(t, "db down", msg.Message)
		assert.Equal(t, "orders", msg.Metadata["service"])
		assert.True(t, msg.SentAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	})

	t.Run("empty prefix", func(t *testing.T) {
		assert.Equal(t, "pager", NewNATS(&fakePublisher{}, "").Subject("pager"))
	})

	t.Run("publish error", func(t *testing.T) {
		n := NewNATS(&fakePublisher{err: errors.New("no responders")}, "x")
		err := n.Notify(context.Background(), "pager", "P1", "db down", nil)
		assert.ErrorContains(t, err, "x.pager")
	})

	t.Run("cancelled context", func(t *testing.T) {
		pub := &fakePublisher{}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, NewNATS(pub, "x").Notify(ctx, "pager", "P1", "m", nil), context.Canceled)
		assert.Empty(t, pub.subjects)
	})

	t.Run("close without connection", func(t *testing.T) {
		assert.NoError(t, NewNATS(&fakePublisher{}, "x").Close())
	})
}

func TestWebhook(t *testing.T) {
	t.Run("posts message", func(t *testing.T) {
		var got Message
		var auth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		w := NewWebhook(srv.URL, srv.Client())
		w.Headers = map[string]string{"Authorization": "Bearer t"}
		require.NoError(t, w.Notify(context.Background(), "slack", "P2", "api degraded", nil))

		assert.Equal(t, "Bearer t", auth)
		assert.Equal(t, "slack", got.Channel)
		assert.Equal(t, "api degraded", got.Message)
	})

	t.Run("non 2xx fails", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		err := NewWebhook(srv.URL, srv.Client()).Notify(context.Background(), "slack", "P2", "x", nil)
		assert.ErrorContains(t, err, "502")
	})
}
