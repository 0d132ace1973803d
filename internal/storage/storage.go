// internal/storage/storage.go
package storage

import (
	"context"
	"time"

	"grocery-tracker/internal/domain"
)

// MatchLink — одна связь товар↔этикетка с непустыми полями КБЖУ,
// которые надо перенести на товар.
type MatchLink struct {
	ProductID int64
	LabelID   int64
	Calories  *float64
	Protein   *float64
	Fat       *float64
	Carbs     *float64
}

type SessionStorage interface {
	// ActiveSession возвращает активную сессию пользователя или nil.
	ActiveSession(ctx context.Context, userID int64) (*domain.ShoppingSession, error)
	// CreateSession создаёт сессию в состоянии scanning_labels. При гонке
	// за одного пользователя возвращает уже существующую активную сессию
	// (compare-and-create через частичный уникальный индекс).
	CreateSession(ctx context.Context, userID int64) (*domain.ShoppingSession, error)
	SessionByID(ctx context.Context, id int64) (*domain.ShoppingSession, error)
	SetSessionState(ctx context.Context, id int64, state domain.SessionState) error
	// CloseSession снимает флаг активности и ставит отметку завершения.
	CloseSession(ctx context.Context, id int64, finishedAt time.Time) error
}

type LabelStorage interface {
	AppendLabel(ctx context.Context, sessionID int64, fields domain.LabelFields) (*domain.LabelScan, error)
	// SessionLabels возвращает этикетки сессии в порядке создания.
	SessionLabels(ctx context.Context, sessionID int64, onlyUnmatched bool) ([]domain.LabelScan, error)
	LabelByID(ctx context.Context, id int64) (*domain.LabelScan, error)
	DeleteLabel(ctx context.Context, id int64) error
}

type ReceiptStorage interface {
	CreateReceipt(ctx context.Context, userID int64, total float64, rawText string) (*domain.Receipt, error)
	// FindRecentReceipt ищет чек того же пользователя с той же суммой,
	// созданный после since (детект дублей).
	FindRecentReceipt(ctx context.Context, userID int64, total float64, since time.Time) (*domain.Receipt, error)
	CreateProducts(ctx context.Context, receiptID int64, items []domain.ReceiptItem) ([]domain.ReceiptProduct, error)
	ProductByID(ctx context.Context, id int64) (*domain.ReceiptProduct, error)
	ProductsByIDs(ctx context.Context, ids []int64) ([]domain.ReceiptProduct, error)
	// ProductOwner возвращает id пользователя, которому принадлежит чек товара.
	ProductOwner(ctx context.Context, productID int64) (int64, error)
}

type MatchStorage interface {
	// ApplyMatch применяет связи и закрывает сессию одной транзакцией.
	// При любой ошибке сессия остаётся в прежнем состоянии.
	ApplyMatch(ctx context.Context, sessionID int64, links []MatchLink, finishedAt time.Time) error
	// ApplyLink применяет одну ручную связь, сессию не трогает. Идемпотентна.
	ApplyLink(ctx context.Context, link MatchLink) error
}

type PriceStorage interface {
	// RecordPriceTag сохраняет наблюдение и возвращает его вместе со всеми
	// предыдущими наблюдениями пользователя, прочитанными в том же
	// снимке (одна транзакция).
	RecordPriceTag(ctx context.Context, userID int64, name string, price float64, store *string, observedAt time.Time) (*domain.PriceTag, []domain.PriceTag, error)
	UserPriceTags(ctx context.Context, userID int64) ([]domain.PriceTag, error)
}
