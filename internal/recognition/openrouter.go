// internal/recognition/openrouter.go
package recognition

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"grocery-tracker/internal/domain"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1/chat/completions"

	// Бюджет повторов на каждую модель: 3 попытки с паузой 0.5с.
	attemptTimeout = 60 * time.Second
	retryDelay     = 500 * time.Millisecond
	maxRetries     = 2
)

// Явные упорядоченные цепочки моделей по задачам: первая — лучшая,
// дальше запасные. Модель меняется только после исчерпания повторов.
var (
	receiptModels = []string{
		"qwen/qwen2.5-vl-32b-instruct:free",
		"google/gemini-2.0-flash-exp:free",
		"mistralai/mistral-small-3.2-24b-instruct:free",
	}
	labelModels = []string{
		"qwen/qwen2.5-vl-32b-instruct:free",
		"google/gemini-2.0-flash-exp:free",
		"mistralai/pixtral-12b",
	}
	normalizeModels = []string{
		"perplexity/sonar",
		"mistralai/mistral-small-3.2-24b-instruct:free",
		"openai/gpt-4.1-mini",
	}
	priceSearchModels = []string{
		"perplexity/sonar",
	}
)

// Client — клиент OpenRouter, реализует все интерфейсы коллабораторов.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type imagePart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// complete гоняет один запрос через цепочку моделей. Ошибка каждой модели
// логируется и пробрасывается дальше типизированно; когда цепочка
// исчерпана — ErrServiceUnavailable.
func (c *Client) complete(ctx context.Context, models []string, messages []chatMessage) (string, error) {
	var lastErr error
	for _, model := range models {
		content, err := c.completeOne(ctx, model, messages)
		if err == nil {
			return content, nil
		}
		lastErr = err
		slog.Warn("model failed, trying next", "model", model, "error", err)
	}
	return "", fmt.Errorf("all models failed (last: %v): %w", lastErr, domain.ErrServiceUnavailable)
}

func (c *Client) completeOne(ctx context.Context, model string, messages []chatMessage) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": messages,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	var content string
	backoff := retry.WithMaxRetries(maxRetries, retry.NewConstant(retryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode != http.StatusOK {
			return retry.RetryableError(fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200)))
		}

		var parsed chatResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if len(parsed.Choices) == 0 {
			return fmt.Errorf("empty choices")
		}
		content = parsed.Choices[0].Message.Content
		return nil
	})
	return content, err
}

func visionMessage(prompt string, image []byte) []chatMessage {
	encoded := base64.StdEncoding.EncodeToString(image)
	img := imagePart{Type: "image_url"}
	img.ImageURL = &struct {
		URL string `json:"url"`
	}{URL: "data:image/jpeg;base64," + encoded}

	return []chatMessage{{
		Role: "user",
		Content: []imagePart{
			{Type: "text", Text: prompt},
			img,
		},
	}}
}

func textMessage(prompt string) []chatMessage {
	return []chatMessage{{Role: "user", Content: prompt}}
}

var jsonBlock = regexp.MustCompile(`(?s)\{.*\}`)

// extractJSON достаёт JSON из ответа модели: модели любят оборачивать
// его в markdown-заборы или приписывать пояснения.
func extractJSON(s string) string {
	if m := jsonBlock.FindString(s); m != "" {
		return m
	}
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// === ReceiptParser ===

func (c *Client) ParseReceipt(ctx context.Context, image []byte) (*ReceiptData, error) {
	prompt := "Это фото чека из российского продуктового магазина. " +
		"Верни ТОЛЬКО JSON (без markdown): " +
		`{"items": [{"name": "...", "price": 0.0, "quantity": 1.0}], "total": 0.0}`

	content, err := c.complete(ctx, receiptModels, visionMessage(prompt, image))
	if err != nil {
		return nil, err
	}

	var data ReceiptData
	if err := json.Unmarshal([]byte(extractJSON(content)), &data); err != nil {
		return nil, fmt.Errorf("parse receipt json: %w", err)
	}
	data.RawText = content
	return &data, nil
}

// === LabelParser ===

func (c *Client) ParseLabel(ctx context.Context, image []byte) (*domain.LabelFields, error) {
	prompt := "Это фото этикетки продукта. Верни ТОЛЬКО JSON (без markdown): " +
		`{"name": "Название (RU)", "brand": "Бренд", "weight": "Вес/объём", ` +
		`"calories": 0, "protein": 0, "fat": 0, "carbs": 0}. ` +
		"КБЖУ на 100г/мл. Если данных нет — null, не ноль."

	content, err := c.complete(ctx, labelModels, visionMessage(prompt, image))
	if err != nil {
		return nil, err
	}

	var fields domain.LabelFields
	if err := json.Unmarshal([]byte(extractJSON(content)), &fields); err != nil {
		return nil, fmt.Errorf("parse label json: %w", err)
	}
	return &fields, nil
}

// === PriceTagParser ===

func (c *Client) ParsePriceTag(ctx context.Context, image []byte) (*PriceTagData, error) {
	prompt := "Это фото ценника. Верни ТОЛЬКО JSON (без markdown): " +
		`{"product_name": "...", "price": 0.0, "volume": "500 мл", "store": "Магазин"}. ` +
		"Неизвестные поля — null."

	content, err := c.complete(ctx, labelModels, visionMessage(prompt, image))
	if err != nil {
		return nil, err
	}

	var data PriceTagData
	if err := json.Unmarshal([]byte(extractJSON(content)), &data); err != nil {
		return nil, fmt.Errorf("parse price tag json: %w", err)
	}
	return &data, nil
}

// === Normalizer ===

type normalizedPayload struct {
	Normalized []struct {
		Original string  `json:"original"`
		Name     string  `json:"name"`
		Category string  `json:"category"`
		Calories float64 `json:"calories"`
		Protein  float64 `json:"protein"`
		Fat      float64 `json:"fat"`
		Carbs    float64 `json:"carbs"`
	} `json:"normalized"`
}

func (c *Client) NormalizeItems(ctx context.Context, items []RawItem) ([]domain.ReceiptItem, error) {
	if len(items) == 0 {
		return nil, nil
	}

	var names strings.Builder
	for _, item := range items {
		names.WriteString("- " + item.Name + "\n")
	}

	prompt := "Список сырых названий из чека российского магазина, многие сокращены " +
		"или искажены OCR. Восстанови настоящее название (сохраняя бренд и вес), " +
		"категорию и оцени КБЖУ на 100г. Названия и категории на русском. " +
		"Сохрани порядок. Верни ТОЛЬКО JSON: " +
		`{"normalized": [{"original": "...", "name": "...", "category": "...", ` +
		`"calories": 0, "protein": 0, "fat": 0, "carbs": 0}]}` +
		"\n\nСписок:\n" + names.String()

	content, err := c.complete(ctx, normalizeModels, textMessage(prompt))
	if err != nil {
		return nil, err
	}

	var payload normalizedPayload
	if err := json.Unmarshal([]byte(extractJSON(content)), &payload); err != nil {
		return nil, fmt.Errorf("parse normalization json: %w", err)
	}
	if len(payload.Normalized) != len(items) {
		return nil, fmt.Errorf("normalization returned %d items for %d inputs", len(payload.Normalized), len(items))
	}

	normalized := make([]domain.ReceiptItem, len(items))
	for i, n := range payload.Normalized {
		normalized[i] = domain.ReceiptItem{
			Name:     n.Name,
			Price:    items[i].Price,
			Quantity: items[i].Quantity,
			Category: n.Category,
			Calories: n.Calories,
			Protein:  n.Protein,
			Fat:      n.Fat,
			Carbs:    n.Carbs,
		}
		if normalized[i].Quantity <= 0 {
			normalized[i].Quantity = 1
		}
	}
	return normalized, nil
}

// === PriceSearcher ===

func (c *Client) SearchPrices(ctx context.Context, productName string) (*domain.MarketPrices, error) {
	prompt := fmt.Sprintf(
		"Найди актуальные цены на '%s' в магазинах России (Пятёрочка, Магнит, Лента, "+
			"Перекрёсток) на %s. Верни ТОЛЬКО JSON (без markdown): "+
			`{"prices": [{"store": "Название", "price": 0.0}]}`,
		productName, time.Now().Format("01.2006"))

	content, err := c.complete(ctx, priceSearchModels, textMessage(prompt))
	if err != nil {
		return nil, err
	}

	var data struct {
		Prices []domain.StorePrice `json:"prices"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &data); err != nil {
		return nil, fmt.Errorf("parse price search json: %w", err)
	}
	if len(data.Prices) == 0 {
		return nil, nil
	}

	market := &domain.MarketPrices{Prices: data.Prices}
	market.Min = data.Prices[0].Price
	market.Max = data.Prices[0].Price
	var sum float64
	for _, p := range data.Prices {
		if p.Price < market.Min {
			market.Min = p.Price
		}
		if p.Price > market.Max {
			market.Max = p.Price
		}
		sum += p.Price
	}
	market.Avg = sum / float64(len(data.Prices))
	return market, nil
}
