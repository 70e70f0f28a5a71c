package pricehistory

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"catalog-sync-service/internal/store"
)

const (
	DirectionIncrease = "increase"
	DirectionDecrease = "decrease"

	SeverityMedium = "medium"
	SeverityHigh   = "high"

	highSeverityMultiple = 2.5
)

type StoreTrend struct {
	StoreID        string          `json:"store_id"`
	Current        decimal.Decimal `json:"current"`
	Min            decimal.Decimal `json:"min"`
	Max            decimal.Decimal `json:"max"`
	Currency       string          `json:"currency"`
	Available      bool            `json:"available"`
	Volatility     float64         `json:"volatility"`
	Observations   int             `json:"observations"`
	PriceChanges   int             `json:"price_changes"`
	LastObservedAt time.Time       `json:"last_observed_at"`
}

type Trend struct {
	ProductID       string       `json:"product_id"`
	WindowDays      int          `json:"window_days"`
	Stores          []StoreTrend `json:"stores"`
	BestCurrentDeal *StoreTrend  `json:"best_current_deal"`
}

// DealPolicy ranks stores for the best current deal. Stores it rejects are
// never chosen.
type DealPolicy interface {
	EffectivePrice(st StoreTrend) (decimal.Decimal, bool)
}

// PenaltyPolicy inflates each store's price by a configured fraction
// (0.05 = 5%) and rejects unavailable stores.
type PenaltyPolicy struct {
	Penalties map[string]float64
}

func (p PenaltyPolicy) EffectivePrice(st StoreTrend) (decimal.Decimal, bool) {
	if !st.Available {
		return decimal.Zero, false
	}
	penalty := p.Penalties[st.StoreID]
	if penalty == 0 {
		return st.Current, true
	}
	return st.Current.Mul(decimal.NewFromFloat(1 + penalty)), true
}

// groupByStore keeps each store's observations in their original (ascending) order.
func groupByStore(obs []*store.PriceObservation) (map[string][]*store.PriceObservation, []string) {
	groups := map[string][]*store.PriceObservation{}
	var order []string
	for _, o := range obs {
		if _, ok := groups[o.StoreID]; !ok {
			order = append(order, o.StoreID)
		}
		groups[o.StoreID] = append(groups[o.StoreID], o)
	}
	sort.Strings(order)
	return groups, order
}

// BuildTrend summarizes observations (ascending by time) per store. carried
// holds each store's newest observation from before the window. It supplies
// the current price of stores that did not change inside the window, while
// min, max and volatility only cover the window itself.
func BuildTrend(productID string, windowDays int, carried, obs []*store.PriceObservation, policy DealPolicy) Trend {
	if policy == nil {
		policy = PenaltyPolicy{}
	}
	trend := Trend{ProductID: productID, WindowDays: windowDays, Stores: []StoreTrend{}}

	groups, order := groupByStore(obs)
	for _, o := range carried {
		if _, ok := groups[o.StoreID]; !ok {
			order = append(order, o.StoreID)
		}
	}
	sort.Strings(order)

	for _, storeID := range order {
		series := groups[storeID]
		if len(series) == 0 {
			trend.Stores = append(trend.Stores, carriedTrend(carried, storeID))
			continue
		}
		last := series[len(series)-1]
		st := StoreTrend{
			StoreID:        storeID,
			Current:        last.Price,
			Min:            series[0].Price,
			Max:            series[0].Price,
			Currency:       last.Currency,
			Available:      last.Available,
			Observations:   len(series),
			LastObservedAt: last.RecordedAt,
		}
		prices := make([]decimal.Decimal, 0, len(series))
		for i, o := range series {
			prices = append(prices, o.Price)
			st.Min = decimal.Min(st.Min, o.Price)
			st.Max = decimal.Max(st.Max, o.Price)
			if i > 0 && !o.Price.Equal(series[i-1].Price) {
				st.PriceChanges++
			}
		}
		st.Volatility = PopulationStdDev(prices)
		trend.Stores = append(trend.Stores, st)
	}

	var bestPrice decimal.Decimal
	for i := range trend.Stores {
		price, ok := policy.EffectivePrice(trend.Stores[i])
		if !ok {
			continue
		}
		if trend.BestCurrentDeal == nil || price.LessThan(bestPrice) {
			best := trend.Stores[i]
			trend.BestCurrentDeal = &best
			bestPrice = price
		}
	}
	return trend
}

// carriedTrend describes a store whose price held steady for the whole window.
func carriedTrend(carried []*store.PriceObservation, storeID string) StoreTrend {
	for _, o := range carried {
		if o.StoreID != storeID {
			continue
		}
		return StoreTrend{
			StoreID:        storeID,
			Current:        o.Price,
			Min:            o.Price,
			Max:            o.Price,
			Currency:       o.Currency,
			Available:      o.Available,
			LastObservedAt: o.RecordedAt,
		}
	}
	return StoreTrend{StoreID: storeID}
}

type Anomaly struct {
	StoreID       string          `json:"store_id"`
	PreviousPrice decimal.Decimal `json:"previous_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	ChangePercent float64         `json:"change_percent"`
	Direction     string          `json:"direction"`
	Severity      string          `json:"severity"`
	ObservedAt    time.Time       `json:"observed_at"`
}

// DetectAnomalies flags consecutive per-store observations whose relative
// price change exceeds threshold (a fraction, 0.2 = 20%).
func DetectAnomalies(obs []*store.PriceObservation, threshold float64) []Anomaly {
	anomalies := []Anomaly{}
	if threshold <= 0 {
		return anomalies
	}

	groups, order := groupByStore(obs)
	for _, storeID := range order {
		series := groups[storeID]
		for i := 1; i < len(series); i++ {
			prev, cur := series[i-1], series[i]
			if !prev.Price.IsPositive() {
				continue
			}
			change := cur.Price.Sub(prev.Price).Div(prev.Price).InexactFloat64()
			magnitude := math.Abs(change)
			if magnitude <= threshold {
				continue
			}

			a := Anomaly{
				StoreID:       storeID,
				PreviousPrice: prev.Price,
				CurrentPrice:  cur.Price,
				ChangePercent: math.Round(change*10000) / 100,
				Direction:     DirectionIncrease,
				Severity:      SeverityMedium,
				ObservedAt:    cur.RecordedAt,
			}
			if change < 0 {
				a.Direction = DirectionDecrease
			}
			if magnitude > threshold*highSeverityMultiple {
				a.Severity = SeverityHigh
			}
			anomalies = append(anomalies, a)
		}
	}

	sort.SliceStable(anomalies, func(i, j int) bool {
		return anomalies[i].ObservedAt.Before(anomalies[j].ObservedAt)
	})
	return anomalies
}
