// cmd/bot/main_test.go
package main

import (
	"testing"

	"grocery-tracker/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestFormatReceiptReplyWarnsWhenNormalizationFailed(t *testing.T) {
	receipt := &domain.Receipt{ID: 1, TotalAmount: 389.80}
	result := &domain.MatchResult{
		Matched: []domain.MatchedPair{
			{
				Product: domain.ReceiptProduct{ID: 10, Name: "Молоко Простоквашино 3.2%"},
				Label:   domain.LabelScan{ID: 5, Name: "Молоко Простоквашино"},
				Score:   92,
			},
		},
		Suggestions: map[int64][]domain.Suggestion{},
	}

	reply := formatReceiptReply(receipt, result, true)
	assert.Contains(t, reply, "⚠️ Названия не распознались")
	assert.Contains(t, reply, "Чек на 389.80 принят")
	assert.Contains(t, reply, "Молоко Простоквашино")

	reply = formatReceiptReply(receipt, result, false)
	assert.NotContains(t, reply, "⚠️")
	assert.Contains(t, reply, "Чек на 389.80 принят")
}

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "Молоко 89.90", SanitizeInput("  Молоко\t 89.90 \n"))
}
