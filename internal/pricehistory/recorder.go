package pricehistory

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"catalog-sync-service/internal/store"
)

// ObservationStore is the part of store.Store the ledger needs.
type ObservationStore interface {
	AppendObservation(ctx context.Context, obs *store.PriceObservation, changed func(latest *store.PriceObservation) bool) (bool, error)
	LatestObservation(ctx context.Context, productID, storeID string) (*store.PriceObservation, error)
	ListObservations(ctx context.Context, productID, storeID string, since time.Time) ([]*store.PriceObservation, error)
	LatestObservationsBefore(ctx context.Context, productID string, before time.Time) ([]*store.PriceObservation, error)
}

type Recorder struct {
	store ObservationStore
	now   func() time.Time
}

func NewRecorder(s ObservationStore) *Recorder {
	return &Recorder{store: s, now: time.Now}
}

// RecordResult reports what Record did. Previous is the latest observation
// before the call, nil for a first sighting.
type RecordResult struct {
	Observation *store.PriceObservation
	Previous    *store.PriceObservation
	Inserted    bool
}

// Record appends obs for (productID, storeID) unless it matches the latest
// observation in price, availability and stock.
func (r *Recorder) Record(ctx context.Context, productID, storeID string, obs store.PriceObservation) (RecordResult, error) {
	obs.ProductID = productID
	obs.StoreID = storeID
	if obs.RecordedAt.IsZero() {
		obs.RecordedAt = r.now()
	}

	var prev *store.PriceObservation
	inserted, err := r.store.AppendObservation(ctx, &obs, func(latest *store.PriceObservation) bool {
		prev = latest
		return Changed(latest, &obs)
	})
	if err != nil {
		return RecordResult{}, err
	}
	res := RecordResult{Previous: prev, Inserted: inserted}
	if inserted {
		res.Observation = &obs
	} else {
		res.Observation = prev
	}
	return res, nil
}

func (r *Recorder) Latest(ctx context.Context, productID, storeID string) (*store.PriceObservation, error) {
	return r.store.LatestObservation(ctx, productID, storeID)
}

func (r *Recorder) History(ctx context.Context, productID, storeID string, since time.Time) ([]*store.PriceObservation, error) {
	return r.store.ListObservations(ctx, productID, storeID, since)
}

// CarriedIn returns each store's price in effect at since: its newest
// observation recorded before it.
func (r *Recorder) CarriedIn(ctx context.Context, productID string, since time.Time) ([]*store.PriceObservation, error) {
	return r.store.LatestObservationsBefore(ctx, productID, since)
}

// Volatility is the population standard deviation of prices observed within window.
func (r *Recorder) Volatility(ctx context.Context, productID, storeID string, window time.Duration) (float64, error) {
	obs, err := r.store.ListObservations(ctx, productID, storeID, r.now().Add(-window))
	if err != nil {
		return 0, err
	}
	prices := make([]decimal.Decimal, 0, len(obs))
	for _, o := range obs {
		prices = append(prices, o.Price)
	}
	return PopulationStdDev(prices), nil
}

// Changed decides whether next is worth storing after prev.
func Changed(prev, next *store.PriceObservation) bool {
	if prev == nil {
		return true
	}
	if !prev.Price.Equal(next.Price) || prev.Available != next.Available {
		return true
	}
	if prev.StockQuantity.Valid != next.StockQuantity.Valid {
		return true
	}
	return prev.StockQuantity.Valid && prev.StockQuantity.Int64 != next.StockQuantity.Int64
}

func PopulationStdDev(prices []decimal.Decimal) float64 {
	if len(prices) == 0 {
		return 0
	}
	vals := make([]float64, len(prices))
	mean := 0.0
	for i, p := range prices {
		vals[i] = p.InexactFloat64()
		mean += vals[i]
	}
	mean /= float64(len(vals))

	variance := 0.0
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(vals)))
}
