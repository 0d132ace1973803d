// internal/handler/shopping.go
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"grocery-tracker/internal/domain"
	"grocery-tracker/internal/shopping"
	val "grocery-tracker/internal/validator"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

type ShoppingHandler struct {
	svc *shopping.Service
}

func NewShoppingHandler(svc *shopping.Service) *ShoppingHandler {
	return &ShoppingHandler{svc: svc}
}

// StartTrip godoc
// @Summary Start a shopping trip
// @Description Create a shopping session or return the already active one
// @Tags shopping
// @Produce json
// @Success 200 {object} domain.ShoppingSession
// @Failure 500 {object} map[string]string
// @Router /api/v1/trip [post]
func (h *ShoppingHandler) StartTrip(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	sess, err := h.svc.StartTrip(context.Background(), userID)
	if err != nil {
		respondError(c, err, "StartTrip")
		return
	}
	c.JSON(http.StatusOK, sess)
}

// GetTrip godoc
// @Summary Get the active shopping trip with its scans
// @Tags shopping
// @Produce json
// @Success 200 {object} TripResponse
// @Failure 404 {object} map[string]string
// @Router /api/v1/trip [get]
func (h *ShoppingHandler) GetTrip(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	sess, err := h.svc.ActiveSession(context.Background(), userID)
	if err != nil {
		respondError(c, err, "GetTrip")
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active shopping session"})
		return
	}

	labels, err := h.svc.SessionScans(context.Background(), sess.ID, false)
	if err != nil {
		respondError(c, err, "GetTrip")
		return
	}
	if labels == nil {
		labels = []domain.LabelScan{}
	}
	c.JSON(http.StatusOK, TripResponse{Session: *sess, Labels: labels})
}

// FinishScanning godoc
// @Summary Finish label scanning, wait for the receipt
// @Tags shopping
// @Produce json
// @Success 200 {object} domain.ShoppingSession
// @Failure 409 {object} map[string]string
// @Router /api/v1/trip/finish [post]
func (h *ShoppingHandler) FinishScanning(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	sess, err := h.svc.FinishScanning(context.Background(), userID)
	if err != nil {
		respondError(c, err, "FinishScanning")
		return
	}
	c.JSON(http.StatusOK, sess)
}

// CancelTrip godoc
// @Summary Cancel the active shopping trip
// @Tags shopping
// @Produce json
// @Success 200 {object} domain.ShoppingSession
// @Failure 409 {object} map[string]string
// @Router /api/v1/trip/cancel [post]
func (h *ShoppingHandler) CancelTrip(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	sess, err := h.svc.Cancel(context.Background(), userID)
	if err != nil {
		respondError(c, err, "CancelTrip")
		return
	}
	c.JSON(http.StatusOK, sess)
}

// RecordLabel godoc
// @Summary Record a scanned label in the active session
// @Tags shopping
// @Accept json
// @Produce json
// @Param request body RecordLabelRequest true "Label fields"
// @Success 200 {object} domain.LabelScan
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /api/v1/trip/labels [post]
func (h *ShoppingHandler) RecordLabel(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req RecordLabelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	if err := validateStruct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.svc.ActiveSession(context.Background(), userID)
	if err != nil {
		respondError(c, err, "RecordLabel")
		return
	}
	if sess == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "no active shopping session"})
		return
	}

	label, err := h.svc.RecordLabel(context.Background(), sess.ID, domain.LabelFields{
		Name:     req.Name,
		Brand:    req.Brand,
		Weight:   req.Weight,
		Calories: req.Calories,
		Protein:  req.Protein,
		Fat:      req.Fat,
		Carbs:    req.Carbs,
	})
	if err != nil {
		respondError(c, err, "RecordLabel")
		return
	}
	c.JSON(http.StatusOK, label)
}

// DeleteLabel godoc
// @Summary Delete a scanned label while still scanning
// @Tags shopping
// @Param id path int true "Label ID"
// @Success 200 {object} map[string]string{"status":"ok"}
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /api/v1/trip/labels/{id} [delete]
func (h *ShoppingHandler) DeleteLabel(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	labelID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid label id"})
		return
	}

	if err := h.svc.DeleteScan(context.Background(), userID, labelID); err != nil {
		respondError(c, err, "DeleteLabel")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SubmitReceipt godoc
// @Summary Submit receipt items and reconcile them with scanned labels
// @Description Stores the receipt, then runs matching against the session's
// unmatched labels if the session is waiting for a receipt
// @Tags shopping
// @Accept json
// @Produce json
// @Param request body SubmitReceiptRequest true "Receipt data"
// @Success 200 {object} ReceiptResponse
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /api/v1/receipts [post]
func (h *ShoppingHandler) SubmitReceipt(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req SubmitReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	if err := validateStruct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items := make([]domain.ReceiptItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = domain.ReceiptItem{
			Name:     it.Name,
			Price:    it.Price,
			Quantity: it.Quantity,
			Category: it.Category,
		}
		if items[i].Quantity == 0 {
			items[i].Quantity = 1
		}
	}

	receipt, products, duplicate, err := h.svc.IngestReceipt(context.Background(), userID, req.Total, req.RawText, items)
	if err != nil {
		respondError(c, err, "SubmitReceipt")
		return
	}
	if duplicate {
		c.JSON(http.StatusOK, ReceiptResponse{Receipt: *receipt, Duplicate: true})
		return
	}

	resp := ReceiptResponse{Receipt: *receipt, Products: products}

	// Сессия в waiting_for_receipt — запускаем сверку с этикетками.
	sess, err := h.svc.ActiveSession(context.Background(), userID)
	if err != nil {
		respondError(c, err, "SubmitReceipt")
		return
	}
	if sess != nil {
		ids := make([]int64, len(products))
		for i, p := range products {
			ids[i] = p.ID
		}
		result, err := h.svc.Match(context.Background(), sess.ID, ids)
		if err != nil {
			respondError(c, err, "SubmitReceipt")
			return
		}
		if !result.Empty() {
			resp.Match = result
		}
	}

	slog.Info("receipt submitted", "user_id", userID, "receipt_id", receipt.ID, "products", len(products))
	c.JSON(http.StatusOK, resp)
}

// LinkManually godoc
// @Summary Manually link a receipt product to a label
// @Tags shopping
// @Accept json
// @Produce json
// @Param request body LinkRequest true "Product and label"
// @Success 200 {object} LinkResponse
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /api/v1/match/link [post]
func (h *ShoppingHandler) LinkManually(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	if err := validateStruct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	product, label, err := h.svc.LinkManually(context.Background(), userID, req.ProductID, req.LabelID)
	if err != nil {
		respondError(c, err, "LinkManually")
		return
	}
	c.JSON(http.StatusOK, LinkResponse{Product: *product, Label: *label})
}

// MarkAsNew godoc
// @Summary Mark a product as deliberately unmatched
// @Tags shopping
// @Accept json
// @Produce json
// @Param request body MarkAsNewRequest true "Product"
// @Success 200 {object} map[string]string{"status":"ok"}
// @Failure 403 {object} map[string]string
// @Router /api/v1/match/new [post]
func (h *ShoppingHandler) MarkAsNew(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req MarkAsNewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	if err := validateStruct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.MarkAsNew(context.Background(), userID, req.ProductID); err != nil {
		respondError(c, err, "MarkAsNew")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Suggestions godoc
// @Summary Recompute match suggestions for still-unmatched products
// @Tags shopping
// @Accept json
// @Produce json
// @Param request body SuggestionsRequest true "Session and products"
// @Success 200 {object} map[int64][]domain.Suggestion
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Router /api/v1/match/suggestions [post]
func (h *ShoppingHandler) Suggestions(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req SuggestionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	if err := validateStruct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	suggestions, err := h.svc.RecomputeSuggestions(context.Background(), userID, req.SessionID, req.ProductIDs)
	if err != nil {
		respondError(c, err, "Suggestions")
		return
	}
	c.JSON(http.StatusOK, suggestions)
}

// === DTO ===

type RecordLabelRequest struct {
	Name     string   `json:"name" validate:"required,notblank"`
	Brand    *string  `json:"brand"`
	Weight   *string  `json:"weight"`
	Calories *float64 `json:"calories" validate:"omitempty,gte=0"`
	Protein  *float64 `json:"protein" validate:"omitempty,gte=0"`
	Fat      *float64 `json:"fat" validate:"omitempty,gte=0"`
	Carbs    *float64 `json:"carbs" validate:"omitempty,gte=0"`
}

type SubmitReceiptRequest struct {
	Total   float64 `json:"total" validate:"required,gt=0"`
	RawText string  `json:"raw_text"`
	Items   []struct {
		Name     string  `json:"name" validate:"required,notblank"`
		Price    float64 `json:"price" validate:"gte=0"`
		Quantity float64 `json:"quantity" validate:"gte=0"`
		Category string  `json:"category"`
	} `json:"items" validate:"required,min=1,dive"`
}

type LinkRequest struct {
	ProductID int64 `json:"product_id" validate:"required"`
	LabelID   int64 `json:"label_id" validate:"required"`
}

type MarkAsNewRequest struct {
	ProductID int64 `json:"product_id" validate:"required"`
}

type SuggestionsRequest struct {
	SessionID  int64   `json:"session_id" validate:"required"`
	ProductIDs []int64 `json:"product_ids" validate:"required,min=1"`
}

type TripResponse struct {
	Session domain.ShoppingSession `json:"session"`
	Labels  []domain.LabelScan     `json:"labels"`
}

type ReceiptResponse struct {
	Receipt   domain.Receipt          `json:"receipt"`
	Products  []domain.ReceiptProduct `json:"products,omitempty"`
	Duplicate bool                    `json:"duplicate,omitempty"`
	Match     *domain.MatchResult     `json:"match,omitempty"`
}

type LinkResponse struct {
	Product domain.ReceiptProduct `json:"product"`
	Label   domain.LabelScan      `json:"label"`
}

func currentUserID(c *gin.Context) (int64, bool) {
	userIDVal, ok := c.Get("user_id")
	if !ok {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user_id missing"})
		return 0, false
	}
	userID, ok := userIDVal.(int64)
	if !ok {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return 0, false
	}
	return userID, true
}

// respondError мапит таксономию ошибок ядра на HTTP-статусы.
func respondError(c *gin.Context, err error, op string) {
	switch {
	case domain.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid session state"})
	case errors.Is(err, domain.ErrAuthorization):
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, domain.ErrServiceUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "recognition service unavailable, try again later"})
	default:
		slog.Error(op+" failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

func validateStruct(v any) error {
	if err := val.Validate.Struct(v); err != nil {
		var errs []string
		for _, e := range err.(validator.ValidationErrors) {
			errs = append(errs, fieldErrorToString(e))
		}
		return fmt.Errorf("invalid input: %s", strings.Join(errs, "; "))
	}
	return nil
}

func fieldErrorToString(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Field())
	case "notblank":
		return fmt.Sprintf("%s must not be blank", e.Field())
	case "min":
		if e.Param() == "1" {
			return fmt.Sprintf("%s must not be empty", e.Field())
		}
		return fmt.Sprintf("%s is too short", e.Field())
	case "gt", "gte":
		return fmt.Sprintf("%s must be positive", e.Field())
	default:
		return fmt.Sprintf("%s is invalid", e.Field())
	}
}
