// internal/price/ledger_test.go
package price

import (
	"context"
	"testing"
	"time"

	"grocery-tracker/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memPrices — ценовое хранилище в памяти для тестов журнала.
type memPrices struct {
	nextID int64
	tags   []domain.PriceTag
}

func (m *memPrices) RecordPriceTag(_ context.Context, userID int64, name string, price float64, store *string, observedAt time.Time) (*domain.PriceTag, []domain.PriceTag, error) {
	var prior []domain.PriceTag
	for _, t := range m.tags {
		if t.UserID == userID {
			prior = append(prior, t)
		}
	}
	m.nextID++
	tag := domain.PriceTag{
		ID:          m.nextID,
		UserID:      userID,
		ProductName: name,
		Price:       price,
		StoreName:   store,
		ObservedAt:  observedAt,
	}
	m.tags = append(m.tags, tag)
	return &tag, prior, nil
}

func (m *memPrices) UserPriceTags(_ context.Context, userID int64) ([]domain.PriceTag, error) {
	var out []domain.PriceTag
	for _, t := range m.tags {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func tag(name string, price float64) domain.PriceTag {
	return domain.PriceTag{ProductName: name, Price: price}
}

func TestCompareFirstObservation(t *testing.T) {
	cmp := Compare(tag("Молоко Простоквашино", 89.90), nil)

	assert.Equal(t, domain.VerdictNeutral, cmp.Verdict)
	assert.Empty(t, cmp.Sample)
	assert.Equal(t, 89.90, cmp.Min)
	assert.Equal(t, 89.90, cmp.Max)
	assert.Equal(t, 89.90, cmp.Avg)
}

func TestCompareAboveAverage(t *testing.T) {
	prior := []domain.PriceTag{
		tag("Молоко Простоквашино", 89),
		tag("Молоко Простоквашино", 95),
	}
	cmp := Compare(tag("Молоко Простоквашино", 99), prior)

	assert.Equal(t, domain.VerdictAboveAverage, cmp.Verdict)
	assert.Equal(t, 89.0, cmp.Min)
	assert.Equal(t, 99.0, cmp.Max)
	assert.InDelta(t, 94.33, cmp.Avg, 0.01)
	assert.InDelta(t, 4.67, cmp.Delta, 0.01)
}

func TestCompareLowest(t *testing.T) {
	prior := []domain.PriceTag{
		tag("Кефир Домик в деревне", 95),
		tag("Кефир Домик в деревне", 100),
	}
	cmp := Compare(tag("Кефир Домик в деревне", 89), prior)

	assert.Equal(t, domain.VerdictLowest, cmp.Verdict)
	assert.Equal(t, 89.0, cmp.Min)
}

func TestCompareEqualToMinIsLowest(t *testing.T) {
	prior := []domain.PriceTag{
		tag("Кефир", 89),
		tag("Кефир", 100),
	}
	cmp := Compare(tag("Кефир", 89), prior)

	assert.Equal(t, domain.VerdictLowest, cmp.Verdict)
}

func TestCompareNeutralBetweenMinAndAvg(t *testing.T) {
	prior := []domain.PriceTag{
		tag("Сметана", 80),
		tag("Сметана", 100),
	}
	cmp := Compare(tag("Сметана", 85), prior)

	assert.Equal(t, domain.VerdictNeutral, cmp.Verdict)
	assert.Equal(t, 0.0, cmp.Delta)
}

func TestCompareIgnoresDissimilarProducts(t *testing.T) {
	prior := []domain.PriceTag{
		tag("Хлеб Бородинский", 1),
		tag("Молоко Простоквашино", 89),
	}
	cmp := Compare(tag("Молоко Простоквашино", 95), prior)

	// Хлеб за рубль не делает молоко «дорогим»: в выборке только похожие.
	require.Len(t, cmp.Sample, 1)
	assert.Equal(t, "Молоко Простоквашино", cmp.Sample[0].ProductName)
	assert.Equal(t, 89.0, cmp.Min)
}

func TestCompareTypoStillSimilar(t *testing.T) {
	prior := []domain.PriceTag{
		tag("Молоко Простоквашино", 89),
	}
	cmp := Compare(tag("Малоко Простоквашино", 95), prior)

	require.Len(t, cmp.Sample, 1)
}

func TestRecordObservationValidation(t *testing.T) {
	ledger := NewLedger(&memPrices{})
	ctx := context.Background()

	_, err := ledger.RecordObservation(ctx, 1, "   ", 10, nil)
	assert.True(t, domain.IsValidation(err))

	_, err = ledger.RecordObservation(ctx, 1, "Молоко", 0, nil)
	assert.True(t, domain.IsValidation(err))

	_, err = ledger.RecordObservation(ctx, 1, "Молоко", -5, nil)
	assert.True(t, domain.IsValidation(err))
}

func TestRecordObservationAccumulatesHistory(t *testing.T) {
	ledger := NewLedger(&memPrices{})
	ctx := context.Background()

	cmp, err := ledger.RecordObservation(ctx, 1, "Молоко Простоквашино", 89, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictNeutral, cmp.Verdict)

	_, err = ledger.RecordObservation(ctx, 1, "Молоко Простоквашино", 95, nil)
	require.NoError(t, err)

	cmp, err = ledger.RecordObservation(ctx, 1, "Молоко Простоквашино", 99, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAboveAverage, cmp.Verdict)
	assert.InDelta(t, 4.67, cmp.Delta, 0.01)

	history, err := ledger.History(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestRecordObservationPerUserHistory(t *testing.T) {
	ledger := NewLedger(&memPrices{})
	ctx := context.Background()

	_, err := ledger.RecordObservation(ctx, 1, "Молоко", 50, nil)
	require.NoError(t, err)

	// Чужая история не участвует в сравнении.
	cmp, err := ledger.RecordObservation(ctx, 2, "Молоко", 99, nil)
	require.NoError(t, err)
	assert.Empty(t, cmp.Sample)
	assert.Equal(t, domain.VerdictNeutral, cmp.Verdict)
}
