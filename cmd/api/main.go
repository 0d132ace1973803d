// cmd/api/main.go
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"grocery-tracker/internal/auth"
	"grocery-tracker/internal/config"
	"grocery-tracker/internal/handler"
	"grocery-tracker/internal/middleware"
	"grocery-tracker/internal/price"
	"grocery-tracker/internal/shopping"
	"grocery-tracker/internal/storage/postgres"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg := config.MustLoad()

	// Настройка логгера
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	pool, err := pgxpool.New(context.Background(), cfg.DBConn)
	if err != nil {
		slog.Error("Не удалось подключиться к БД", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.NewStorage(pool)
	shoppingSvc := shopping.NewService(store)
	ledger := price.NewLedger(store)

	// JWT
	tokenService := auth.NewTokenService(cfg)

	// Gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/api/v1/login", func(c *gin.Context) {
		var req struct {
			UserID int64 `json:"user_id" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
			return
		}
		token, err := tokenService.GenerateToken(req.UserID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	})

	shoppingHandler := handler.NewShoppingHandler(shoppingSvc)
	priceHandler := handler.NewPriceHandler(ledger)

	authMiddleware := middleware.NewAuthMiddleware(tokenService)
	v1 := router.Group("/api/v1")
	v1.Use(authMiddleware.RequireAuth())
	{
		v1.POST("/trip", shoppingHandler.StartTrip)
		v1.GET("/trip", shoppingHandler.GetTrip)
		v1.POST("/trip/finish", shoppingHandler.FinishScanning)
		v1.POST("/trip/cancel", shoppingHandler.CancelTrip)
		v1.POST("/trip/labels", shoppingHandler.RecordLabel)
		v1.DELETE("/trip/labels/:id", shoppingHandler.DeleteLabel)
		v1.POST("/receipts", shoppingHandler.SubmitReceipt)
		v1.POST("/match/link", shoppingHandler.LinkManually)
		v1.POST("/match/new", shoppingHandler.MarkAsNew)
		v1.POST("/match/suggestions", shoppingHandler.Suggestions)
		v1.POST("/prices", priceHandler.RecordPrice)
		v1.GET("/prices", priceHandler.PriceHistory)
	}

	// Запуск сервера
	slog.Info("🚀 Сервер запущен", "addr", cfg.ServerPort)
	if err := router.Run(cfg.ServerPort); err != nil {
		slog.Error("Сервер завершил работу с ошибкой", "error", err)
	}
}
