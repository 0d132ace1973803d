// internal/price/ledger.go
package price

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"grocery-tracker/internal/domain"
	"grocery-tracker/internal/matching"
	"grocery-tracker/internal/storage"
)

// Ledger копит наблюдения цен и классифицирует каждую новую цену
// относительно истории пользователя. Похожесть имён считается тем же
// примитивом, что и в движке сопоставления.
type Ledger struct {
	store storage.PriceStorage
	now   func() time.Time
}

func NewLedger(store storage.PriceStorage) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// RecordObservation сохраняет наблюдение и сравнивает цену со всеми
// предыдущими наблюдениями пользователя с похожестью >= 70. Сравнение
// локальное и не ждёт внешний поиск цен: обогащение Market презентационный
// слой подмешивает сам, если оно успело вернуться.
func (l *Ledger) RecordObservation(ctx context.Context, userID int64, name string, price float64, store *string) (*domain.PriceComparison, error) {
	if strings.TrimSpace(name) == "" {
		return nil, domain.NewValidationError("product_name", "is required")
	}
	if price <= 0 {
		return nil, domain.NewValidationError("price", "must be positive")
	}

	tag, prior, err := l.store.RecordPriceTag(ctx, userID, name, price, store, l.now())
	if err != nil {
		return nil, err
	}

	cmp := Compare(*tag, prior)
	slog.Debug("price observation recorded",
		"user_id", userID, "name", name, "price", price,
		"sample", len(cmp.Sample), "verdict", cmp.Verdict)
	return cmp, nil
}

// History возвращает все наблюдения пользователя, новые первыми.
func (l *Ledger) History(ctx context.Context, userID int64) ([]domain.PriceTag, error) {
	return l.store.UserPriceTags(ctx, userID)
}

// Compare классифицирует наблюдение относительно похожих предыдущих.
// Чистая функция над уже прочитанным снимком истории.
func Compare(tag domain.PriceTag, prior []domain.PriceTag) *domain.PriceComparison {
	var sample []domain.PriceTag
	for _, p := range prior {
		if matching.Score(tag.ProductName, p.ProductName) >= matching.MinScore {
			sample = append(sample, p)
		}
	}

	cmp := &domain.PriceComparison{Observation: tag, Sample: sample}

	// Сравнивать не с чем — первая цена на такой товар.
	if len(sample) == 0 {
		cmp.Min = tag.Price
		cmp.Max = tag.Price
		cmp.Avg = tag.Price
		cmp.Verdict = domain.VerdictNeutral
		return cmp
	}

	minP, maxP, sum := tag.Price, tag.Price, tag.Price
	for _, p := range sample {
		minP = math.Min(minP, p.Price)
		maxP = math.Max(maxP, p.Price)
		sum += p.Price
	}
	avg := sum / float64(len(sample)+1)

	cmp.Min = minP
	cmp.Max = maxP
	cmp.Avg = avg

	switch {
	case tag.Price <= minP:
		cmp.Verdict = domain.VerdictLowest
	case tag.Price > avg:
		cmp.Verdict = domain.VerdictAboveAverage
		cmp.Delta = tag.Price - avg
	default:
		cmp.Verdict = domain.VerdictNeutral
	}
	return cmp
}
