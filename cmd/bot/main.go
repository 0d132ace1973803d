// cmd/bot/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"grocery-tracker/internal/config"
	"grocery-tracker/internal/domain"
	"grocery-tracker/internal/price"
	"grocery-tracker/internal/recognition"
	"grocery-tracker/internal/shopping"
	"grocery-tracker/internal/storage/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding/charmap"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const helpText = "🛒 *Грокери-трекер*\n\n" +
	"Команды:\n" +
	"`/shop` — начать поход в магазин\n" +
	"`/checkout` — закончить сканирование, ждать чек\n" +
	"`/cancel` — отменить поход\n" +
	"`/scans` — показать отсканированные этикетки\n" +
	"`/delete 3` — удалить этикетку по номеру\n" +
	"`/link 12 7` — связать товар и этикетку вручную\n" +
	"`/new 12` — пометить товар как новый, без этикетки\n" +
	"`/price Молоко 89.90` — записать цену вручную\n\n" +
	"Фото этикетки — во время похода.\n" +
	"Фото чека — после /checkout.\n" +
	"Фото ценника — вне похода."

func SanitizeInput(s string) string {
	// Замени все пробельные символы на обычный пробел
	result := ""
	for _, r := range s {
		if unicode.IsSpace(r) {
			result += " "
		} else {
			result += string(r)
		}
	}
	// Убери лишние пробелы
	return strings.Join(strings.Fields(result), " ")
}

type app struct {
	bot      *tgbotapi.BotAPI
	shopping *shopping.Service
	ledger   *price.Ledger
	recog    *recognition.Client
}

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()
	if cfg.BotToken == "" {
		log.Fatal("TELEGRAM_BOT_TOKEN not set")
	}

	// Сервисы пишут через slog, уровень берём из конфига.
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))

	db, err := pgxpool.New(context.Background(), cfg.DBConn)
	if err != nil {
		log.Fatal("Failed to connect to DB:", err)
	}
	defer db.Close()

	store := postgres.NewStorage(db)

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Panic(err)
	}

	log.Printf("Bot started: @%s", bot.Self.UserName)

	a := &app{
		bot:      bot,
		shopping: shopping.NewService(store),
		ledger:   price.NewLedger(store),
		recog:    recognition.NewClient(cfg.OpenRouterKey),
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	for update := range updates {
		if update.Message == nil {
			continue
		}
		go a.handleMessage(update.Message)
	}
}

func (a *app) handleMessage(m *tgbotapi.Message) {
	chatID := m.Chat.ID
	userID := m.From.ID
	ctx := context.Background()

	if len(m.Photo) > 0 {
		a.reply(chatID, a.handlePhoto(ctx, userID, m))
		return
	}

	text := strings.TrimSpace(fixEncoding(m.Text))
	log.Printf("📥 Received: %q", text)

	var msgText string
	var err error

	switch {
	case text == "/start" || text == "/help":
		msgText = helpText

	case text == "/shop":
		msgText, err = a.handleShop(ctx, userID)

	case text == "/checkout":
		msgText, err = a.handleCheckout(ctx, userID)

	case text == "/cancel":
		msgText, err = a.handleCancel(ctx, userID)

	case text == "/scans":
		msgText, err = a.handleScans(ctx, userID)

	case strings.HasPrefix(text, "/delete "):
		msgText, err = a.handleDelete(ctx, userID, strings.TrimSpace(text[8:]))

	case strings.HasPrefix(text, "/link "):
		msgText, err = a.handleLink(ctx, userID, strings.Fields(text[6:]))

	case strings.HasPrefix(text, "/new "):
		msgText, err = a.handleMarkNew(ctx, userID, strings.TrimSpace(text[5:]))

	case strings.HasPrefix(text, "/price "):
		msgText, err = a.handlePriceText(ctx, userID, SanitizeInput(text[7:]))

	default:
		msgText = "Неизвестная команда. Напиши /help"
	}

	if err != nil {
		msgText = userFacingError(err)
	}
	a.reply(chatID, msgText)
}

func (a *app) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := a.bot.Send(msg); err != nil {
		log.Printf("send failed: %v", err)
	}
}

// userFacingError переводит таксономию ошибок ядра в сообщение для чата.
func userFacingError(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		return "❌ Сейчас так нельзя. Посмотри /help — возможно, поход не начат или уже закрыт"
	case errors.Is(err, domain.ErrAuthorization):
		return "❌ Это не твоя запись"
	case errors.Is(err, domain.ErrNotFound):
		return "❌ Не нашёл такую запись"
	case errors.Is(err, domain.ErrServiceUnavailable):
		return "⏳ Распознавание сейчас недоступно, попробуй ещё раз через минуту"
	case domain.IsValidation(err):
		return "❌ " + err.Error()
	default:
		log.Printf("handler error: %v", err)
		return "❌ Что-то пошло не так, попробуй ещё раз"
	}
}

// --- КОМАНДЫ ---

func (a *app) handleShop(ctx context.Context, userID int64) (string, error) {
	sess, err := a.shopping.StartTrip(ctx, userID)
	if err != nil {
		return "", err
	}
	if sess.State != domain.StateScanningLabels {
		return "🛒 Поход уже идёт. Жду фото чека — или /cancel", nil
	}
	return "🛒 Поход начат! Присылай фото этикеток.\nКогда закончишь — /checkout", nil
}

func (a *app) handleCheckout(ctx context.Context, userID int64) (string, error) {
	sess, err := a.shopping.FinishScanning(ctx, userID)
	if err != nil {
		return "", err
	}
	labels, err := a.shopping.SessionScans(ctx, sess.ID, false)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("🧾 Отсканировано этикеток: %d\nТеперь пришли фото чека", len(labels)), nil
}

func (a *app) handleCancel(ctx context.Context, userID int64) (string, error) {
	if _, err := a.shopping.Cancel(ctx, userID); err != nil {
		return "", err
	}
	return "🚪 Поход отменён", nil
}

func (a *app) handleScans(ctx context.Context, userID int64) (string, error) {
	sess, err := a.shopping.ActiveSession(ctx, userID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "📭 Активного похода нет. Начни с /shop", nil
	}
	labels, err := a.shopping.SessionScans(ctx, sess.ID, false)
	if err != nil {
		return "", err
	}
	if len(labels) == 0 {
		return "📭 Пока ни одной этикетки", nil
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("📋 *Этикетки похода* (%d)", len(labels)))
	for i, l := range labels {
		lines = append(lines, fmt.Sprintf("%d. %s%s  `#%d`", i+1, l.Name, labelNutrition(l), l.ID))
	}
	return strings.Join(lines, "\n"), nil
}

func (a *app) handleDelete(ctx context.Context, userID int64, arg string) (string, error) {
	sess, err := a.shopping.ActiveSession(ctx, userID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "📭 Активного похода нет", nil
	}

	n, err := strconv.Atoi(arg)
	if err != nil {
		return "❌ Используй: /delete номер_из_списка_/scans", nil
	}
	labels, err := a.shopping.SessionScans(ctx, sess.ID, false)
	if err != nil {
		return "", err
	}
	if n < 1 || n > len(labels) {
		return fmt.Sprintf("❌ Этикетки с номером %d нет, смотри /scans", n), nil
	}

	if err := a.shopping.DeleteScan(ctx, userID, labels[n-1].ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("🗑 Удалил «%s»", labels[n-1].Name), nil
}

func (a *app) handleLink(ctx context.Context, userID int64, args []string) (string, error) {
	if len(args) != 2 {
		return "❌ Используй: /link id_товара id_этикетки", nil
	}
	productID, err1 := strconv.ParseInt(args[0], 10, 64)
	labelID, err2 := strconv.ParseInt(args[1], 10, 64)
	if err1 != nil || err2 != nil {
		return "❌ Оба аргумента должны быть числами", nil
	}

	product, label, err := a.shopping.LinkManually(ctx, userID, productID, labelID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("🔗 Связал «%s» с этикеткой «%s»", product.Name, label.Name), nil
}

func (a *app) handleMarkNew(ctx context.Context, userID int64, arg string) (string, error) {
	productID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return "❌ Используй: /new id_товара", nil
	}
	if err := a.shopping.MarkAsNew(ctx, userID, productID); err != nil {
		return "", err
	}
	return "🆕 Пометил товар как новый", nil
}

func (a *app) handlePriceText(ctx context.Context, userID int64, input string) (string, error) {
	fields := strings.Fields(input)
	if len(fields) < 2 {
		return "❌ Используй: /price Название 89.90", nil
	}
	priceStr := strings.ReplaceAll(fields[len(fields)-1], ",", ".")
	p, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return "❌ Не понял цену: " + priceStr, nil
	}
	name := strings.Join(fields[:len(fields)-1], " ")

	cmp, err := a.ledger.RecordObservation(ctx, userID, name, p, nil)
	if err != nil {
		return "", err
	}
	return formatComparison(cmp), nil
}

// --- ФОТО ---

// handlePhoto маршрутизирует фото по состоянию сессии: этикетка во время
// сканирования, чек в ожидании чека, ценник вне похода.
func (a *app) handlePhoto(ctx context.Context, userID int64, m *tgbotapi.Message) string {
	image, err := a.downloadPhoto(m)
	if err != nil {
		log.Printf("photo download failed: %v", err)
		return "❌ Не смог скачать фото, попробуй ещё раз"
	}

	sess, err := a.shopping.ActiveSession(ctx, userID)
	if err != nil {
		return userFacingError(err)
	}

	switch {
	case sess != nil && sess.State == domain.StateScanningLabels:
		return a.handleLabelPhoto(ctx, sess.ID, image)
	case sess != nil && sess.State == domain.StateWaitingForReceipt:
		return a.handleReceiptPhoto(ctx, userID, sess.ID, image)
	default:
		return a.handlePriceTagPhoto(ctx, userID, image)
	}
}

func (a *app) downloadPhoto(m *tgbotapi.Message) ([]byte, error) {
	// Telegram присылает несколько размеров, берём самый крупный.
	photo := m.Photo[len(m.Photo)-1]
	url, err := a.bot.GetFileDirectURL(photo.FileID)
	if err != nil {
		return nil, fmt.Errorf("get file url: %w", err)
	}

	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (a *app) handleLabelPhoto(ctx context.Context, sessionID int64, image []byte) string {
	fields, err := a.recog.ParseLabel(ctx, image)
	if err != nil {
		return userFacingError(err)
	}

	label, err := a.shopping.RecordLabel(ctx, sessionID, *fields)
	if err != nil {
		return userFacingError(err)
	}
	return fmt.Sprintf("✅ Этикетка: *%s*%s", label.Name, labelNutrition(*label))
}

func (a *app) handleReceiptPhoto(ctx context.Context, userID, sessionID int64, image []byte) string {
	data, err := a.recog.ParseReceipt(ctx, image)
	if err != nil {
		return userFacingError(err)
	}

	// Нормализация необязательна: если коллаборатор лёг, сохраняем сырые
	// строки и честно говорим об этом пользователю.
	items, err := a.recog.NormalizeItems(ctx, data.Items)
	normalizeFailed := err != nil
	if normalizeFailed {
		log.Printf("normalize failed, keeping raw items: %v", err)
		items = make([]domain.ReceiptItem, len(data.Items))
		for i, it := range data.Items {
			items[i] = domain.ReceiptItem{Name: it.Name, Price: it.Price, Quantity: it.Quantity}
		}
	}

	receipt, products, duplicate, err := a.shopping.IngestReceipt(ctx, userID, data.Total, data.RawText, items)
	if err != nil {
		return userFacingError(err)
	}
	if duplicate {
		return "⚠️ Этот чек уже был, ничего не добавил"
	}

	ids := make([]int64, len(products))
	for i, p := range products {
		ids[i] = p.ID
	}
	result, err := a.shopping.Match(ctx, sessionID, ids)
	if err != nil {
		return userFacingError(err)
	}

	return formatReceiptReply(receipt, result, normalizeFailed)
}

func (a *app) handlePriceTagPhoto(ctx context.Context, userID int64, image []byte) string {
	tag, err := a.recog.ParsePriceTag(ctx, image)
	if err != nil {
		return userFacingError(err)
	}

	// Локальное сравнение и внешний поиск цен — параллельно. Поиск
	// необязателен: его сбой не портит ответ.
	var cmp *domain.PriceComparison
	var market *domain.MarketPrices

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cmp, err = a.ledger.RecordObservation(gctx, userID, tag.ProductName, tag.Price, tag.Store)
		return err
	})
	g.Go(func() error {
		m, err := a.recog.SearchPrices(gctx, tag.ProductName)
		if err != nil {
			log.Printf("price search failed: %v", err)
			return nil
		}
		market = m
		return nil
	})
	if err := g.Wait(); err != nil {
		return userFacingError(err)
	}

	cmp.Market = market
	return formatComparison(cmp)
}

// --- ФОРМАТИРОВАНИЕ ---

func labelNutrition(l domain.LabelScan) string {
	var parts []string
	if l.Calories != nil {
		parts = append(parts, fmt.Sprintf("%.0f ккал", *l.Calories))
	}
	if l.Protein != nil {
		parts = append(parts, fmt.Sprintf("Б %.1f", *l.Protein))
	}
	if l.Fat != nil {
		parts = append(parts, fmt.Sprintf("Ж %.1f", *l.Fat))
	}
	if l.Carbs != nil {
		parts = append(parts, fmt.Sprintf("У %.1f", *l.Carbs))
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

// formatReceiptReply собирает ответ на чек. Про упавшую нормализацию
// пользователю говорим явно: молча проглотить её нельзя, в чеке тогда
// лежат сырые названия.
func formatReceiptReply(receipt *domain.Receipt, r *domain.MatchResult, normalizeFailed bool) string {
	reply := formatMatchResult(receipt, r)
	if normalizeFailed {
		reply = "⚠️ Названия не распознались, сохранил позиции как в чеке\n\n" + reply
	}
	return reply
}

func formatMatchResult(receipt *domain.Receipt, r *domain.MatchResult) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("🧾 *Чек на %.2f принят*", receipt.TotalAmount))

	if len(r.Matched) > 0 {
		lines = append(lines, "\n✅ Сопоставлено:")
		for _, p := range r.Matched {
			lines = append(lines, fmt.Sprintf("- %s ↔ %s (%.0f%%)", p.Product.Name, p.Label.Name, p.Score))
		}
	}
	if len(r.UnmatchedProducts) > 0 {
		lines = append(lines, "\n❓ Без этикетки:")
		for _, p := range r.UnmatchedProducts {
			lines = append(lines, fmt.Sprintf("- %s  `#%d`", p.Name, p.ID))
			for _, s := range r.Suggestions[p.ID] {
				lines = append(lines, fmt.Sprintf("    может, «%s»? (%.0f%%)  `/link %d %d`",
					s.Label.Name, s.Score, p.ID, s.Label.ID))
			}
		}
	}
	if len(r.UnmatchedLabels) > 0 {
		lines = append(lines, "\n🏷 Этикетки без товара:")
		for _, l := range r.UnmatchedLabels {
			lines = append(lines, fmt.Sprintf("- %s  `#%d`", l.Name, l.ID))
		}
	}
	lines = append(lines, "\nПоход закрыт. Новый — /shop")
	return strings.Join(lines, "\n")
}

func formatComparison(cmp *domain.PriceComparison) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("💰 *%s* — %.2f", cmp.Observation.ProductName, cmp.Observation.Price))

	switch cmp.Verdict {
	case domain.VerdictLowest:
		lines = append(lines, "🟢 Самая низкая цена из тех, что ты видел!")
	case domain.VerdictAboveAverage:
		lines = append(lines, fmt.Sprintf("🔴 Дороже твоей средней на %.2f", cmp.Delta))
	default:
		if len(cmp.Sample) == 0 {
			lines = append(lines, "📝 Первая запись цены на этот товар")
		} else {
			lines = append(lines, "🟡 Обычная цена")
		}
	}
	if len(cmp.Sample) > 0 {
		lines = append(lines, fmt.Sprintf("Твоя история: мин %.2f · средняя %.2f · макс %.2f",
			cmp.Min, cmp.Avg, cmp.Max))
	}
	if cmp.Market != nil && len(cmp.Market.Prices) > 0 {
		lines = append(lines, "\n🏪 В других магазинах:")
		for _, sp := range cmp.Market.Prices {
			lines = append(lines, fmt.Sprintf("- %s: %.2f", sp.Store, sp.Price))
		}
	}
	return strings.Join(lines, "\n")
}

func fixEncoding(s string) string {
	// Проверим, является ли строка валидной UTF-8
	if utf8.ValidString(s) {
		return s
	}

	// Пробуем перекодировать из windows-1251
	decoder := charmap.Windows1251.NewDecoder()
	fixed, err := decoder.String(s)
	if err == nil && utf8.ValidString(fixed) {
		return fixed
	}

	// Если не получилось — заменяем невалидные символы
	return strings.ToValidUTF8(s, "")
}
