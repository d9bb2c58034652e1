package messaging

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zylinc/messagebus/contracts"
)

type pong struct {
	contracts.BaseResponse
	Value string `json:"value"`
}

func TestCorrelator(t *testing.T) {
	t.Run("Resolve delivers to the registered entry", func(t *testing.T) {
		c := NewCorrelator()
		ch, err := c.Register("id-1", "ping")
		require.NoError(t, err)
		assert.True(t, c.IsPending("id-1"))

		resp := &pong{BaseResponse: contracts.NewBaseResponse("pong", "id-1")}
		assert.True(t, c.Resolve("id-1", resp))

		assert.Same(t, resp, <-ch)
		assert.False(t, c.IsPending("id-1"))
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("duplicate pending IDs are rejected", func(t *testing.T) {
		c := NewCorrelator()
		_, err := c.Register("id-1", "ping")
		require.NoError(t, err)

		_, err = c.Register("id-1", "ping")
		assert.ErrorIs(t, err, ErrDuplicateCorrelationID)
		assert.Equal(t, 1, c.Pending())
	})

	t.Run("an ID can be reused once resolved", func(t *testing.T) {
		c := NewCorrelator()
		_, err := c.Register("id-1", "ping")
		require.NoError(t, err)
		require.True(t, c.Cancel("id-1"))

		_, err = c.Register("id-1", "ping")
		assert.NoError(t, err)
	})

	t.Run("empty IDs are rejected", func(t *testing.T) {
		_, err := NewCorrelator().Register("", "ping")
		assert.Error(t, err)
	})

	t.Run("unknown IDs do not resolve", func(t *testing.T) {
		c := NewCorrelator()
		assert.False(t, c.Resolve("missing", &pong{}))
		assert.False(t, c.Cancel("missing"))
	})

	t.Run("Cancel after Resolve reports false", func(t *testing.T) {
		c := NewCorrelator()
		_, err := c.Register("id-1", "ping")
		require.NoError(t, err)

		require.True(t, c.Resolve("id-1", &pong{}))
		assert.False(t, c.Cancel("id-1"))
		assert.False(t, c.Resolve("id-1", &pong{}))
	})

	t.Run("racing Resolve and Cancel settle each entry once", func(t *testing.T) {
		c := NewCorrelator()
		const n = 200

		for i := 0; i < n; i++ {
			_, err := c.Register(fmt.Sprintf("id-%d", i), "ping")
			require.NoError(t, err)
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			settled = make(map[string]int)
		)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("id-%d", i)
			wg.Add(2)
			go func() {
				defer wg.Done()
				if c.Resolve(id, &pong{}) {
					mu.Lock()
					settled[id]++
					mu.Unlock()
				}
			}()
			go func() {
				defer wg.Done()
				if c.Cancel(id) {
					mu.Lock()
					settled[id]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, settled, n)
		for id, count := range settled {
			assert.Equal(t, 1, count, id)
		}
		assert.Equal(t, 0, c.Pending())
	})
}

func TestCorrelatorAbandoned(t *testing.T) {
	t.Run("cancelled IDs are reported once", func(t *testing.T) {
		c := NewCorrelator()
		_, err := c.Register("id-1", "ping")
		require.NoError(t, err)
		require.True(t, c.Cancel("id-1"))

		assert.True(t, c.Abandoned("id-1"))
		assert.False(t, c.Abandoned("id-1"))
	})

	t.Run("resolved and unknown IDs are not abandoned", func(t *testing.T) {
		c := NewCorrelator()
		_, err := c.Register("id-1", "ping")
		require.NoError(t, err)
		require.True(t, c.Resolve("id-1", &pong{}))

		assert.False(t, c.Abandoned("id-1"))
		assert.False(t, c.Abandoned("missing"))
	})

	t.Run("IDs are forgotten after the retention period", func(t *testing.T) {
		now := time.Now()
		c := NewCorrelator()
		c.now = func() time.Time { return now }

		_, err := c.Register("id-1", "ping")
		require.NoError(t, err)
		require.True(t, c.Cancel("id-1"))

		now = now.Add(AbandonedRetention + time.Second)
		assert.False(t, c.Abandoned("id-1"))
	})

	t.Run("only the newest IDs are kept", func(t *testing.T) {
		c := NewCorrelator()
		for i := 0; i < maxAbandoned+10; i++ {
			id := fmt.Sprintf("id-%d", i)
			_, err := c.Register(id, "ping")
			require.NoError(t, err)
			require.True(t, c.Cancel(id))
		}

		assert.LessOrEqual(t, len(c.order), maxAbandoned)
		assert.False(t, c.Abandoned("id-0"))
		assert.True(t, c.Abandoned(fmt.Sprintf("id-%d", maxAbandoned+9)))
	})
}
