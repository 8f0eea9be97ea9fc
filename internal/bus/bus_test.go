package bus

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(max int) *Bus {
	return New(max, zerolog.Nop())
}

func TestPublishOrder(t *testing.T) {
	b := newTestBus(0)
	var order []string

	for _, name := range []string{"first", "second", "third"} {
		name := name
		_, err := b.Subscribe("cart:itemAdded", func(string, interface{}) error {
			order = append(order, name)
			return nil
		})
		require.NoError(t, err)
	}
	_, err := b.Subscribe(Wildcard, func(eventType string, _ interface{}) error {
		order = append(order, "wildcard:"+eventType)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish("cart:itemAdded", "data"))
	assert.Equal(t, []string{"first", "second", "third", "wildcard:cart:itemAdded"}, order)
}

func TestPublishIsolatesFailures(t *testing.T) {
	b := newTestBus(0)
	boom := errors.New("boom")
	var reached []int

	_, _ = b.Subscribe("a:b", func(string, interface{}) error {
		reached = append(reached, 0)
		return boom
	})
	_, _ = b.Subscribe("a:b", func(string, interface{}) error {
		reached = append(reached, 1)
		panic("handler exploded")
	})
	_, _ = b.Subscribe("a:b", func(string, interface{}) error {
		reached = append(reached, 2)
		return nil
	})

	err := b.Publish("a:b", nil)
	require.Error(t, err)
	assert.Equal(t, []int{0, 1, 2}, reached)
	assert.ErrorIs(t, err, boom)

	var serr *SubscriberError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "a:b", serr.EventType)
	assert.Equal(t, 0, serr.Index)
	assert.Contains(t, err.Error(), "handler exploded")

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, uint64(2), stats.Failures)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := newTestBus(0)
	assert.NoError(t, b.Publish("nobody:listens", 42))
}

func TestSubscriberLimit(t *testing.T) {
	b := newTestBus(2)
	noop := func(string, interface{}) error { return nil }

	_, err := b.Subscribe("a:b", noop)
	require.NoError(t, err)
	_, err = b.Subscribe("a:b", noop)
	require.NoError(t, err)

	_, err = b.Subscribe("a:b", noop)
	assert.ErrorIs(t, err, ErrSubscriberLimit)

	// The bound is per type
	_, err = b.Subscribe("c:d", noop)
	assert.NoError(t, err)
}

func TestSubscribeValidation(t *testing.T) {
	b := newTestBus(0)
	_, err := b.Subscribe("", func(string, interface{}) error { return nil })
	assert.Error(t, err)
	_, err = b.Subscribe("a:b", nil)
	assert.Error(t, err)
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(0)
	calls := 0
	sub, err := b.Subscribe("a:b", func(string, interface{}) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriberCount("a:b"))

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount("a:b"))

	require.NoError(t, b.Publish("a:b", nil))
	assert.Equal(t, 0, calls)
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := newTestBus(0)
	var second Subscription
	secondCalls := 0

	_, err := b.Subscribe("a:b", func(string, interface{}) error {
		b.Unsubscribe(second)
		return nil
	})
	require.NoError(t, err)
	second, err = b.Subscribe("a:b", func(string, interface{}) error {
		secondCalls++
		return nil
	})
	require.NoError(t, err)

	// The running publish uses the snapshot taken before the first handler ran
	require.NoError(t, b.Publish("a:b", nil))
	assert.Equal(t, 1, secondCalls)

	require.NoError(t, b.Publish("a:b", nil))
	assert.Equal(t, 1, secondCalls)
}

func TestConcurrentPublish(t *testing.T) {
	b := newTestBus(0)
	var mu sync.Mutex
	count := 0
	_, err := b.Subscribe("a:b", func(string, interface{}) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = b.Publish("a:b", j)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, count)
}
