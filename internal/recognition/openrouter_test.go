// internal/recognition/openrouter_test.go
package recognition

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"grocery-tracker/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a": 1}`, `{"a": 1}`},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"with prose", `Вот результат: {"a": 1} — готово`, `{"a": 1}`},
		{"multiline", "{\n  \"a\": 1\n}", "{\n  \"a\": 1\n}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractJSON(tc.in))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}

// testClient поднимает поддельный OpenRouter и направляет клиента в него.
func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient("test-key")
	c.baseURL = srv.URL
	return c
}

func chatReply(content string) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	raw, _ := json.Marshal(resp)
	return string(raw)
}

func requestedModel(r *http.Request) string {
	var payload struct {
		Model string `json:"model"`
	}
	_ = json.NewDecoder(r.Body).Decode(&payload)
	return payload.Model
}

func TestCompleteFallsBackToNextModel(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if requestedModel(r) == normalizeModels[0] {
			// Первая модель отдаёт мусор: не ретраится, идём к следующей.
			fmt.Fprint(w, "not json at all")
			return
		}
		fmt.Fprint(w, chatReply(`{"normalized": [{"original": "МОЛ ПРОСТ 3.2", "name": "Молоко Простоквашино 3.2%", "category": "Молочка", "calories": 60, "protein": 3, "fat": 3.2, "carbs": 4.7}]}`))
	})

	items, err := c.NormalizeItems(context.Background(), []RawItem{
		{Name: "МОЛ ПРОСТ 3.2", Price: 89.90, Quantity: 2},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Молоко Простоквашино 3.2%", items[0].Name)
}

func TestNormalizeItemsKeepsPriceAndQuantity(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply(`{"normalized": [`+
			`{"original": "МОЛ ПРОСТ", "name": "Молоко Простоквашино", "category": "Молочка", "calories": 60, "protein": 3, "fat": 3.2, "carbs": 4.7},`+
			`{"original": "ХЛЕБ БОР", "name": "Хлеб Бородинский", "category": "Хлеб", "calories": 208, "protein": 6.8, "fat": 1.3, "carbs": 40.7}`+
			`]}`))
	})

	items, err := c.NormalizeItems(context.Background(), []RawItem{
		{Name: "МОЛ ПРОСТ", Price: 89.90, Quantity: 2},
		{Name: "ХЛЕБ БОР", Price: 45.50},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)

	// Цены и количества приходят из чека, модель их не трогает.
	assert.Equal(t, 89.90, items[0].Price)
	assert.Equal(t, 2.0, items[0].Quantity)
	assert.Equal(t, 45.50, items[1].Price)
	assert.Equal(t, 1.0, items[1].Quantity)
}

func TestNormalizeItemsCountMismatch(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply(`{"normalized": []}`))
	})

	_, err := c.NormalizeItems(context.Background(), []RawItem{{Name: "МОЛ ПРОСТ", Price: 89.90}})
	assert.Error(t, err)
}

func TestNormalizeItemsEmptyInput(t *testing.T) {
	c := NewClient("test-key")
	items, err := c.NormalizeItems(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, items)
}

func TestParseLabelNullableNutrition(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply("```json\n"+
			`{"name": "Вода Святой Источник", "brand": "Святой Источник", "weight": "1.5л", "calories": 0, "protein": null, "fat": null, "carbs": null}`+
			"\n```"))
	})

	fields, err := c.ParseLabel(context.Background(), []byte{0xFF, 0xD8})
	require.NoError(t, err)
	assert.Equal(t, "Вода Святой Источник", fields.Name)
	// Ноль и null — разные вещи.
	require.NotNil(t, fields.Calories)
	assert.Equal(t, 0.0, *fields.Calories)
	assert.Nil(t, fields.Protein)
}

func TestParseReceipt(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply(`{"items": [{"name": "Молоко", "price": 89.90, "quantity": 1}], "total": 89.90}`))
	})

	data, err := c.ParseReceipt(context.Background(), []byte{0xFF, 0xD8})
	require.NoError(t, err)
	require.Len(t, data.Items, 1)
	assert.Equal(t, 89.90, data.Total)
	assert.NotEmpty(t, data.RawText)
}

func TestSearchPricesAggregates(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply(`{"prices": [{"store": "Пятёрочка", "price": 85}, {"store": "Лента", "price": 95}]}`))
	})

	market, err := c.SearchPrices(context.Background(), "Молоко Простоквашино")
	require.NoError(t, err)
	require.NotNil(t, market)
	assert.Equal(t, 85.0, market.Min)
	assert.Equal(t, 95.0, market.Max)
	assert.Equal(t, 90.0, market.Avg)
}

func TestSearchPricesEmptyResult(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply(`{"prices": []}`))
	})

	market, err := c.SearchPrices(context.Background(), "Неизвестный товар")
	require.NoError(t, err)
	assert.Nil(t, market)
}

func TestCompleteExhaustedChainIsServiceUnavailable(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		// 200 с пустыми choices: не ретраится, но и не результат.
		fmt.Fprint(w, `{"choices": []}`)
	})

	_, err := c.SearchPrices(context.Background(), "Молоко")
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
}
