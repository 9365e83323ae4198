package notifycenter

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massimiliano76/AltStore/internal/app/notify"
)

func TestCenterDeliversAfterTrigger(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var mu sync.Mutex
		var presented []string
		c := New(PresenterFunc(func(_ context.Context, n Delivered) {
			mu.Lock()
			defer mu.Unlock()
			presented = append(presented, n.Identifier)
		}), nil)
		defer c.Close()

		ctx := context.Background()
		require.NoError(t, c.Add(ctx, notify.Request{Identifier: "later", Trigger: 3 * time.Second}))
		require.NoError(t, c.Add(ctx, notify.Request{Identifier: "now"}))
		synctest.Wait()

		assert.Equal(t, []string{"later"}, c.Pending())

		time.Sleep(3 * time.Second)
		synctest.Wait()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"now", "later"}, presented)
		assert.Empty(t, c.Pending())
	})
}

func TestCenterAddReplacesSameIdentifier(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := New(nil, nil)
		defer c.Close()

		ctx := context.Background()
		require.NoError(t, c.Add(ctx, notify.Request{Identifier: "id", Content: notify.Content{Body: "old"}, Trigger: time.Second}))
		require.NoError(t, c.Add(ctx, notify.Request{Identifier: "id", Content: notify.Content{Body: "new"}, Trigger: 2 * time.Second}))

		time.Sleep(5 * time.Second)
		synctest.Wait()

		delivered := c.Delivered()
		require.Len(t, delivered, 1)
		assert.Equal(t, "new", delivered[0].Content.Body)
	})
}

func TestCenterRemovePending(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := New(nil, nil)
		defer c.Close()

		ctx := context.Background()
		require.NoError(t, c.Add(ctx, notify.Request{Identifier: "a", Trigger: time.Second}))
		require.NoError(t, c.Add(ctx, notify.Request{Identifier: "b", Trigger: time.Second}))
		c.RemovePending(ctx, "a", "unknown")

		time.Sleep(2 * time.Second)
		synctest.Wait()

		delivered := c.Delivered()
		require.Len(t, delivered, 1)
		assert.Equal(t, "b", delivered[0].Identifier)
	})
}

func TestCenterBadge(t *testing.T) {
	c := New(nil, nil)
	require.NoError(t, c.SetBadge(context.Background(), 4))
	assert.Equal(t, 4, c.Badge())
	assert.Error(t, c.SetBadge(context.Background(), -1))
	assert.Equal(t, 4, c.Badge())
}

func TestCenterClose(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := New(nil, nil)
		ctx := context.Background()
		require.NoError(t, c.Add(ctx, notify.Request{Identifier: "a", Trigger: time.Second}))
		c.Close()

		time.Sleep(2 * time.Second)
		synctest.Wait()
		assert.Empty(t, c.Delivered())
		assert.ErrorIs(t, c.Add(ctx, notify.Request{Identifier: "b"}), errClosed)
	})
}

func TestCenterFlush(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := New(nil, nil)
		defer c.Close()

		ctx := context.Background()
		require.NoError(t, c.Flush(ctx))

		require.NoError(t, c.Add(ctx, notify.Request{Identifier: "a", Trigger: 2 * time.Second}))
		require.NoError(t, c.Add(ctx, notify.Request{Identifier: "b", Trigger: 5 * time.Second}))

		start := time.Now()
		require.NoError(t, c.Flush(ctx))
		assert.Equal(t, 5*time.Second, time.Since(start))
		assert.Len(t, c.Delivered(), 2)

		require.NoError(t, c.Add(ctx, notify.Request{Identifier: "c", Trigger: time.Hour}))
		short, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		assert.ErrorIs(t, c.Flush(short), context.DeadlineExceeded)
	})
}
