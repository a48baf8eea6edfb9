package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("after fires only once deadline passes", func(t *testing.T) {
		c := NewFake(start)
		ch := c.After(10 * time.Second)

		c.Advance(5 * time.Second)
		select {
		case <-ch:
			t.Fatal("fired early")
		default:
		}

		c.Advance(5 * time.Second)
		select {
		case got := <-ch:
			assert.Equal(t, start.Add(10*time.Second), got)
		default:
			t.Fatal("did not fire")
		}
		assert.Equal(t, 0, c.Waiters())
	})

	t.Run("zero duration fires immediately", func(t *testing.T) {
		c := NewFake(start)
		select {
		case <-c.After(0):
		default:
			t.Fatal("expected immediate fire")
		}
	})

	t.Run("ticker re-arms", func(t *testing.T) {
		c := NewFake(start)
		tk := c.NewTicker(time.Minute)
		defer tk.Stop()

		for i := 0; i < 3; i++ {
			c.Advance(time.Minute)
			select {
			case <-tk.C():
			default:
				t.Fatalf("tick %d missing", i)
			}
		}
		require.Equal(t, 1, c.Waiters())
		tk.Stop()
		c.Advance(time.Minute)
		assert.Equal(t, 0, c.Waiters())
	})

	t.Run("since", func(t *testing.T) {
		c := NewFake(start)
		c.Advance(90 * time.Second)
		assert.Equal(t, 90*time.Second, Since(c, start))
	})
}
