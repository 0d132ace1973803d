// internal/recognition/recognition.go
package recognition

import (
	"context"

	"grocery-tracker/internal/domain"
)

// RawItem — сырая строка чека до нормализации.
type RawItem struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// ReceiptData — результат OCR чека.
type ReceiptData struct {
	Items   []RawItem `json:"items"`
	Total   float64   `json:"total"`
	RawText string    `json:"-"`
}

// PriceTagData — результат OCR ценника.
type PriceTagData struct {
	ProductName string  `json:"product_name"`
	Price       float64 `json:"price"`
	Volume      *string `json:"volume,omitempty"`
	Store       *string `json:"store,omitempty"`
}

// Интерфейсы коллабораторов. Ядро работает только с ними,
// транспорт и промпты — деталь реализации клиента.

type ReceiptParser interface {
	ParseReceipt(ctx context.Context, image []byte) (*ReceiptData, error)
}

type LabelParser interface {
	ParseLabel(ctx context.Context, image []byte) (*domain.LabelFields, error)
}

type PriceTagParser interface {
	ParsePriceTag(ctx context.Context, image []byte) (*PriceTagData, error)
}

type Normalizer interface {
	// NormalizeItems чинит OCR-искажения имён и навешивает категорию и
	// оценку калорийности. Порядок позиций сохраняется.
	NormalizeItems(ctx context.Context, items []RawItem) ([]domain.ReceiptItem, error)
}

type PriceSearcher interface {
	SearchPrices(ctx context.Context, productName string) (*domain.MarketPrices, error)
}
