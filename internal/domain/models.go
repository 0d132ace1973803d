// internal/domain/models.go
package domain

import "time"

// SessionState — состояние сессии покупок.
type SessionState string

const (
	StateIdle              SessionState = "idle"
	StateScanningLabels    SessionState = "scanning_labels"
	StateWaitingForReceipt SessionState = "waiting_for_receipt"
	StateClosed            SessionState = "closed"
)

// ShoppingSession — один поход в магазин. У пользователя не больше
// одной активной сессии одновременно.
type ShoppingSession struct {
	ID         int64        `json:"id"`
	UserID     int64        `json:"-"`
	State      SessionState `json:"state"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	IsActive   bool         `json:"is_active"`
}

// LabelScan — распознанная этикетка, принадлежит ровно одной сессии.
// Числовые поля — указатели: nil значит «не распознано», ноль — это
// реально измеренный ноль.
type LabelScan struct {
	ID               int64      `json:"id"`
	SessionID        int64      `json:"-"`
	Name             string     `json:"name"`
	Brand            *string    `json:"brand,omitempty"`
	Weight           *string    `json:"weight,omitempty"`
	Calories         *float64   `json:"calories,omitempty"`
	Protein          *float64   `json:"protein,omitempty"`
	Fat              *float64   `json:"fat,omitempty"`
	Carbs            *float64   `json:"carbs,omitempty"`
	MatchedProductID *int64     `json:"matched_product_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// LabelFields — результат OCR этикетки до сохранения.
type LabelFields struct {
	Name     string   `json:"name"`
	Brand    *string  `json:"brand,omitempty"`
	Weight   *string  `json:"weight,omitempty"`
	Calories *float64 `json:"calories,omitempty"`
	Protein  *float64 `json:"protein,omitempty"`
	Fat      *float64 `json:"fat,omitempty"`
	Carbs    *float64 `json:"carbs,omitempty"`
}

// Receipt — заголовок чека.
type Receipt struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"-"`
	RawText     string    `json:"-"`
	TotalAmount float64   `json:"total_amount"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReceiptProduct — позиция чека. КБЖУ по умолчанию нулевые и
// перезаписываются при сопоставлении с этикеткой.
type ReceiptProduct struct {
	ID        int64   `json:"id"`
	ReceiptID int64   `json:"-"`
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price"`
	Category  string  `json:"category"`
	Calories  float64 `json:"calories"`
	Protein   float64 `json:"protein"`
	Fat       float64 `json:"fat"`
	Carbs     float64 `json:"carbs"`
}

// ReceiptItem — нормализованная позиция чека от коллаборатора
// (OCR + нормализация), ещё без id.
type ReceiptItem struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Category string  `json:"category"`
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Fat      float64 `json:"fat"`
	Carbs    float64 `json:"carbs"`
}

// PriceTag — один отсканированный ценник.
type PriceTag struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"-"`
	ProductName string    `json:"product_name"`
	Price       float64   `json:"price"`
	StoreName   *string   `json:"store_name,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// MatchedPair — зафиксированная пара товар↔этикетка.
type MatchedPair struct {
	Product ReceiptProduct `json:"product"`
	Label   LabelScan      `json:"label"`
	Score   float64        `json:"score"`
}

// Suggestion — кандидат для ручного сопоставления.
type Suggestion struct {
	Label LabelScan `json:"label"`
	Score float64   `json:"score"`
}

// MatchResult — результат одного прогона сопоставления. Не хранится в БД.
type MatchResult struct {
	Matched           []MatchedPair          `json:"matched"`
	UnmatchedProducts []ReceiptProduct       `json:"unmatched_products"`
	UnmatchedLabels   []LabelScan            `json:"unmatched_labels"`
	Suggestions       map[int64][]Suggestion `json:"suggestions"`
}

// Empty сообщает, что прогон ничего не сопоставлял (нечего сверять).
func (r *MatchResult) Empty() bool {
	return len(r.Matched) == 0 && len(r.UnmatchedProducts) == 0 && len(r.UnmatchedLabels) == 0
}

// PriceVerdict — классификация новой цены относительно истории.
type PriceVerdict string

const (
	VerdictLowest       PriceVerdict = "lowest"
	VerdictAboveAverage PriceVerdict = "above_average"
	VerdictNeutral      PriceVerdict = "neutral"
)

// StorePrice — цена в конкретном магазине из внешнего поиска.
type StorePrice struct {
	Store string  `json:"store"`
	Price float64 `json:"price"`
}

// MarketPrices — необязательное обогащение от внешнего поиска цен.
type MarketPrices struct {
	Prices []StorePrice `json:"prices"`
	Min    float64      `json:"min_price"`
	Max    float64      `json:"max_price"`
	Avg    float64      `json:"avg_price"`
}

// PriceComparison — вердикт по новой цене плюс выборка, по которой он посчитан.
type PriceComparison struct {
	Observation PriceTag      `json:"observation"`
	Sample      []PriceTag    `json:"sample"`
	Min         float64       `json:"min"`
	Max         float64       `json:"max"`
	Avg         float64       `json:"avg"`
	Verdict     PriceVerdict  `json:"verdict"`
	Delta       float64       `json:"delta,omitempty"`
	Market      *MarketPrices `json:"market,omitempty"`
}
