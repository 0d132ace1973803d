// internal/handler/price.go
package handler

import (
	"context"
	"net/http"

	"grocery-tracker/internal/domain"
	"grocery-tracker/internal/price"

	"github.com/gin-gonic/gin"
)

type PriceHandler struct {
	ledger *price.Ledger
}

func NewPriceHandler(ledger *price.Ledger) *PriceHandler {
	return &PriceHandler{ledger: ledger}
}

// RecordPrice godoc
// @Summary Record a price observation and compare it with history
// @Tags prices
// @Accept json
// @Produce json
// @Param request body RecordPriceRequest true "Price observation"
// @Success 200 {object} domain.PriceComparison
// @Failure 400 {object} map[string]string
// @Router /api/v1/prices [post]
func (h *PriceHandler) RecordPrice(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req RecordPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	if err := validateStruct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmp, err := h.ledger.RecordObservation(context.Background(), userID, req.ProductName, req.Price, req.StoreName)
	if err != nil {
		respondError(c, err, "RecordPrice")
		return
	}
	c.JSON(http.StatusOK, cmp)
}

// PriceHistory godoc
// @Summary List the user's price observations
// @Tags prices
// @Produce json
// @Success 200 {array} domain.PriceTag
// @Router /api/v1/prices [get]
func (h *PriceHandler) PriceHistory(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	tags, err := h.ledger.History(context.Background(), userID)
	if err != nil {
		respondError(c, err, "PriceHistory")
		return
	}
	if tags == nil {
		tags = []domain.PriceTag{}
	}
	c.JSON(http.StatusOK, tags)
}

// === DTO ===

type RecordPriceRequest struct {
	ProductName string  `json:"product_name" validate:"required,notblank"`
	Price       float64 `json:"price" validate:"required,gt=0"`
	StoreName   *string `json:"store_name"`
}
