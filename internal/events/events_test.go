package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "catalog.events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	prev := decimal.RequireFromString("10.00")
	pub := NewRedisPublisher(client, "catalog.events")
	require.NoError(t, pub.Publish(ctx, Event{
		Kind:          KindPriceChange,
		ProductID:     "p1",
		StoreID:       "s1",
		Price:         decimal.RequireFromString("12.00"),
		PreviousPrice: &prev,
		Currency:      "USD",
		Available:     true,
		OccurredAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	select {
	case msg := <-sub.Channel():
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, KindPriceChange, ev.Kind)
		assert.Equal(t, "p1", ev.ProductID)
		require.NotNil(t, ev.PreviousPrice)
		assert.True(t, ev.PreviousPrice.Equal(prev))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Event) error { return f.err }

func TestMultiPublisherDeliversToAll(t *testing.T) {
	boom := errors.New("boom")
	c := &Capture{}
	m := MultiPublisher{failingPublisher{err: boom}, c, LogPublisher{}}

	err := m.Publish(context.Background(), Event{Kind: KindInventoryUpdate, ProductID: "p1"})
	assert.ErrorIs(t, err, boom)
	require.Len(t, c.Events(), 1)
	assert.Equal(t, KindInventoryUpdate, c.Events()[0].Kind)
}
