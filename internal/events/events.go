package events

import (
	"context"
	"encoding/json"
	"errors"
	stdsync "sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"catalog-sync-service/internal/logger"
)

type Kind string

const (
	KindPriceChange     Kind = "price_change"
	KindInventoryUpdate Kind = "inventory_update"
)

// Event is a notification for consumers outside the sync engine. Previous*
// fields are nil on the first observation for a product/store pair.
type Event struct {
	Kind              Kind             `json:"kind"`
	ProductID         string           `json:"product_id"`
	StoreID           string           `json:"store_id"`
	IntegrationID     string           `json:"integration_id,omitempty"`
	Price             decimal.Decimal  `json:"price"`
	PreviousPrice     *decimal.Decimal `json:"previous_price,omitempty"`
	Currency          string           `json:"currency"`
	Available         bool             `json:"available"`
	PreviousAvailable *bool            `json:"previous_available,omitempty"`
	StockQuantity     *int64           `json:"stock_quantity,omitempty"`
	OccurredAt        time.Time        `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// LogPublisher writes events to the service log.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, ev Event) error {
	logger.Log.Info("catalog event",
		zap.String("kind", string(ev.Kind)),
		zap.String("product_id", ev.ProductID),
		zap.String("store_id", ev.StoreID),
		zap.String("price", ev.Price.String()),
		zap.Bool("available", ev.Available),
	)
	return nil
}

// RedisPublisher publishes JSON-encoded events on a pub/sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// MultiPublisher fans an event out to every publisher and joins their errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Capture records published events in memory.
type Capture struct {
	mu     stdsync.Mutex
	events []Event
}

func (c *Capture) Publish(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *Capture) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}
