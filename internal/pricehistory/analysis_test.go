package pricehistory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-sync-service/internal/store"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func obsAt(storeID, price string, available bool, hours int) *store.PriceObservation {
	return &store.PriceObservation{
		ProductID:  "p1",
		StoreID:    storeID,
		Price:      decimal.RequireFromString(price),
		Currency:   "USD",
		Available:  available,
		RecordedAt: t0.Add(time.Duration(hours) * time.Hour),
	}
}

func TestBuildTrendPerStore(t *testing.T) {
	obs := []*store.PriceObservation{
		obsAt("a", "100", true, 0),
		obsAt("b", "95", true, 1),
		obsAt("a", "120", true, 2),
		obsAt("a", "110", true, 3),
	}

	trend := BuildTrend("p1", 7, nil, obs, nil)
	require.Len(t, trend.Stores, 2)

	a := trend.Stores[0]
	assert.Equal(t, "a", a.StoreID)
	assert.True(t, a.Current.Equal(decimal.NewFromInt(110)))
	assert.True(t, a.Min.Equal(decimal.NewFromInt(100)))
	assert.True(t, a.Max.Equal(decimal.NewFromInt(120)))
	assert.Equal(t, 3, a.Observations)
	assert.Equal(t, 2, a.PriceChanges)
	assert.Equal(t, t0.Add(3*time.Hour), a.LastObservedAt)

	require.NotNil(t, trend.BestCurrentDeal)
	assert.Equal(t, "b", trend.BestCurrentDeal.StoreID)
}

func TestBestDealSkipsUnavailableStores(t *testing.T) {
	obs := []*store.PriceObservation{
		obsAt("a", "100", true, 0),
		obsAt("b", "90", false, 0),
	}
	trend := BuildTrend("p1", 7, nil, obs, PenaltyPolicy{})
	require.NotNil(t, trend.BestCurrentDeal)
	assert.Equal(t, "a", trend.BestCurrentDeal.StoreID)
}

func TestBestDealAppliesPenalties(t *testing.T) {
	obs := []*store.PriceObservation{
		obsAt("a", "100", true, 0),
		obsAt("b", "98", true, 0),
	}
	trend := BuildTrend("p1", 7, nil, obs, PenaltyPolicy{Penalties: map[string]float64{"b": 0.05}})
	require.NotNil(t, trend.BestCurrentDeal)
	assert.Equal(t, "a", trend.BestCurrentDeal.StoreID)
}

func TestBuildTrendCarriesSteadyStores(t *testing.T) {
	carried := []*store.PriceObservation{
		obsAt("a", "80", true, -40*24),
		obsAt("b", "130", true, -35*24),
	}
	obs := []*store.PriceObservation{
		obsAt("b", "120", true, -24),
	}

	trend := BuildTrend("p1", 30, carried, obs, nil)
	require.Len(t, trend.Stores, 2)

	a := trend.Stores[0]
	assert.Equal(t, "a", a.StoreID)
	assert.True(t, a.Current.Equal(decimal.NewFromInt(80)))
	assert.True(t, a.Min.Equal(decimal.NewFromInt(80)))
	assert.Zero(t, a.Observations)
	assert.Equal(t, t0.Add(-40*24*time.Hour), a.LastObservedAt)

	// b changed inside the window, so its window stats ignore the carried row.
	b := trend.Stores[1]
	assert.True(t, b.Current.Equal(decimal.NewFromInt(120)))
	assert.True(t, b.Max.Equal(decimal.NewFromInt(120)))
	assert.Equal(t, 1, b.Observations)

	require.NotNil(t, trend.BestCurrentDeal)
	assert.Equal(t, "a", trend.BestCurrentDeal.StoreID)
}

func TestBuildTrendEmpty(t *testing.T) {
	trend := BuildTrend("p1", 30, nil, nil, nil)
	assert.Empty(t, trend.Stores)
	assert.Nil(t, trend.BestCurrentDeal)
	assert.Equal(t, 30, trend.WindowDays)
}

func TestDetectAnomaliesSingleJump(t *testing.T) {
	obs := []*store.PriceObservation{
		obsAt("a", "100", true, 0),
		obsAt("a", "100", true, 1),
		obsAt("a", "150", true, 2),
	}
	anomalies := DetectAnomalies(obs, 0.2)
	require.Len(t, anomalies, 1)
	a := anomalies[0]
	assert.Equal(t, DirectionIncrease, a.Direction)
	assert.Equal(t, SeverityMedium, a.Severity)
	assert.InDelta(t, 50.0, a.ChangePercent, 1e-9)
	assert.Equal(t, t0.Add(2*time.Hour), a.ObservedAt)
}

func TestDetectAnomaliesSeverityAndDirection(t *testing.T) {
	obs := []*store.PriceObservation{
		obsAt("a", "100", true, 0),
		obsAt("a", "40", true, 1),
		obsAt("b", "100", true, 0),
		obsAt("b", "115", true, 1),
	}
	anomalies := DetectAnomalies(obs, 0.2)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "a", anomalies[0].StoreID)
	assert.Equal(t, DirectionDecrease, anomalies[0].Direction)
	assert.Equal(t, SeverityHigh, anomalies[0].Severity)
	assert.InDelta(t, -60.0, anomalies[0].ChangePercent, 1e-9)
}

func TestDetectAnomaliesBoundaryIsNotFlagged(t *testing.T) {
	obs := []*store.PriceObservation{
		obsAt("a", "100", true, 0),
		obsAt("a", "120", true, 1),
	}
	assert.Empty(t, DetectAnomalies(obs, 0.2))
	assert.Empty(t, DetectAnomalies(obs, 0))
}
