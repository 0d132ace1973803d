// internal/shopping/service.go
package shopping

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"grocery-tracker/internal/domain"
	"grocery-tracker/internal/matching"
	"grocery-tracker/internal/storage"
)

// duplicateWindow — окно поиска дубликата чека по той же сумме.
const duplicateWindow = 3 * time.Minute

// Store — всё, что сервису нужно от хранилища.
type Store interface {
	storage.SessionStorage
	storage.LabelStorage
	storage.ReceiptStorage
	storage.MatchStorage
}

// Service владеет жизненным циклом сессии покупок и запускает
// сопоставление. Операции одного пользователя сериализуются
// per-user мьютексом; разных пользователей — независимы.
type Service struct {
	store Store
	now   func() time.Time

	mu        sync.Mutex
	userLocks map[int64]*sync.Mutex
	markedNew map[int64]map[int64]struct{}
}

func NewService(store Store) *Service {
	return &Service{
		store:     store,
		now:       time.Now,
		userLocks: make(map[int64]*sync.Mutex),
		markedNew: make(map[int64]map[int64]struct{}),
	}
}

func (s *Service) userLock(userID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	return lock
}

// StartTrip создаёт сессию покупок или возвращает уже активную.
// Идемпотентна: два StartTrip подряд дают один и тот же id.
func (s *Service) StartTrip(ctx context.Context, userID int64) (*domain.ShoppingSession, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.store.ActiveSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	sess, err = s.store.CreateSession(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Новый поход — новый прогон сопоставления: пометки «новый товар»
	// прошлого прогона больше не нужны.
	s.mu.Lock()
	delete(s.markedNew, userID)
	s.mu.Unlock()

	slog.Info("shopping session started", "user_id", userID, "session_id", sess.ID)
	return sess, nil
}

// ActiveSession возвращает текущую активную сессию пользователя
// (nil без ошибки, если её нет).
func (s *Service) ActiveSession(ctx context.Context, userID int64) (*domain.ShoppingSession, error) {
	return s.store.ActiveSession(ctx, userID)
}

// SessionScans возвращает этикетки сессии. onlyUnmatched оставляет
// только ещё не привязанные к товарам.
func (s *Service) SessionScans(ctx context.Context, sessionID int64, onlyUnmatched bool) ([]domain.LabelScan, error) {
	return s.store.SessionLabels(ctx, sessionID, onlyUnmatched)
}

// FinishScanning переводит сессию из scanning_labels в waiting_for_receipt.
func (s *Service) FinishScanning(ctx context.Context, userID int64) (*domain.ShoppingSession, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.store.ActiveSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.State != domain.StateScanningLabels {
		return nil, domain.ErrInvalidTransition
	}

	if err := s.store.SetSessionState(ctx, sess.ID, domain.StateWaitingForReceipt); err != nil {
		return nil, err
	}
	sess.State = domain.StateWaitingForReceipt
	return sess, nil
}

// Cancel закрывает активную сессию без сопоставления.
func (s *Service) Cancel(ctx context.Context, userID int64) (*domain.ShoppingSession, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.store.ActiveSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.State == domain.StateClosed {
		return nil, domain.ErrInvalidTransition
	}

	finishedAt := s.now()
	if err := s.store.CloseSession(ctx, sess.ID, finishedAt); err != nil {
		return nil, err
	}
	sess.State = domain.StateClosed
	sess.IsActive = false
	sess.FinishedAt = &finishedAt
	slog.Info("shopping session cancelled", "user_id", userID, "session_id", sess.ID)
	return sess, nil
}

// RecordLabel сохраняет распознанную этикетку в сессию.
// Дубликаты легальны: две одинаковые банки — два скана.
func (s *Service) RecordLabel(ctx context.Context, sessionID int64, fields domain.LabelFields) (*domain.LabelScan, error) {
	sess, err := s.store.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
	}

	lock := s.userLock(sess.UserID)
	lock.Lock()
	defer lock.Unlock()

	// Перечитываем состояние под замком: между первым чтением и захватом
	// замка соседняя горутина могла сделать checkout или отмену.
	sess, err = s.store.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.State != domain.StateScanningLabels {
		return nil, domain.ErrInvalidTransition
	}
	if strings.TrimSpace(fields.Name) == "" {
		return nil, domain.NewValidationError("name", "is required")
	}

	return s.store.AppendLabel(ctx, sessionID, fields)
}

// DeleteScan удаляет этикетку, пока сессия ещё в scanning_labels.
func (s *Service) DeleteScan(ctx context.Context, userID, labelID int64) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	label, err := s.store.LabelByID(ctx, labelID)
	if err != nil {
		return err
	}
	if label == nil {
		return fmt.Errorf("label %d: %w", labelID, domain.ErrNotFound)
	}

	sess, err := s.store.SessionByID(ctx, label.SessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %d: %w", label.SessionID, domain.ErrNotFound)
	}
	if sess.UserID != userID {
		return domain.ErrAuthorization
	}
	if sess.State != domain.StateScanningLabels {
		return domain.ErrInvalidTransition
	}

	return s.store.DeleteLabel(ctx, labelID)
}

// IngestReceipt сохраняет заголовок чека и его позиции. Дубликат
// (тот же пользователь, та же сумма, последние три минуты) не создаёт
// новых записей. Позиции сохраняются даже если нормализация у
// коллаборатора не удалась — обогащение не откатывает приём сырых строк.
func (s *Service) IngestReceipt(ctx context.Context, userID int64, total float64, rawText string, items []domain.ReceiptItem) (*domain.Receipt, []domain.ReceiptProduct, bool, error) {
	existing, err := s.store.FindRecentReceipt(ctx, userID, total, s.now().Add(-duplicateWindow))
	if err != nil {
		return nil, nil, false, err
	}
	if existing != nil {
		slog.Info("duplicate receipt detected", "user_id", userID, "receipt_id", existing.ID)
		return existing, nil, true, nil
	}

	receipt, err := s.store.CreateReceipt(ctx, userID, total, rawText)
	if err != nil {
		return nil, nil, false, err
	}
	products, err := s.store.CreateProducts(ctx, receipt.ID, items)
	if err != nil {
		return nil, nil, false, err
	}
	return receipt, products, false, nil
}

// Match сверяет позиции чека с несопоставленными этикетками сессии.
//
// Сессия не в waiting_for_receipt — сверять нечего, пустой результат без
// ошибки. Уже закрытая сессия — ErrInvalidTransition: сессия сверяется
// ровно один раз. Перенос КБЖУ, простановка ссылок и закрытие сессии
// применяются одной транзакцией; при сбое сессия остаётся в
// waiting_for_receipt и Match можно повторить.
func (s *Service) Match(ctx context.Context, sessionID int64, productIDs []int64) (*domain.MatchResult, error) {
	sess, err := s.store.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
	}

	lock := s.userLock(sess.UserID)
	lock.Lock()
	defer lock.Unlock()

	// Перечитываем состояние под замком: параллельная отмена могла
	// закрыть сессию, пока мы брали замок, и тогда сверять уже нечего.
	sess, err = s.store.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.State == domain.StateClosed {
		return nil, domain.ErrInvalidTransition
	}
	if sess.State != domain.StateWaitingForReceipt {
		return &domain.MatchResult{Suggestions: map[int64][]domain.Suggestion{}}, nil
	}

	products, err := s.store.ProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	labels, err := s.store.SessionLabels(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}

	result := matching.Match(products, labels)

	links := make([]storage.MatchLink, 0, len(result.Matched))
	for _, pair := range result.Matched {
		links = append(links, linkFromPair(pair))
	}

	if err := s.store.ApplyMatch(ctx, sessionID, links, s.now()); err != nil {
		return nil, err
	}

	slog.Info("matching run completed",
		"session_id", sessionID,
		"matched", len(result.Matched),
		"unmatched_products", len(result.UnmatchedProducts),
		"unmatched_labels", len(result.UnmatchedLabels))
	return result, nil
}

// LinkManually связывает товар и этикетку в обход порога. Этикетка и
// товар должны принадлежать запрашивающему пользователю. Идемпотентна:
// повторный вызов с теми же аргументами не меняет состояние.
func (s *Service) LinkManually(ctx context.Context, userID, productID, labelID int64) (*domain.ReceiptProduct, *domain.LabelScan, error) {
	product, err := s.store.ProductByID(ctx, productID)
	if err != nil {
		return nil, nil, err
	}
	if product == nil {
		return nil, nil, fmt.Errorf("product %d: %w", productID, domain.ErrNotFound)
	}

	label, err := s.store.LabelByID(ctx, labelID)
	if err != nil {
		return nil, nil, err
	}
	if label == nil {
		return nil, nil, fmt.Errorf("label %d: %w", labelID, domain.ErrNotFound)
	}

	sess, err := s.store.SessionByID(ctx, label.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil || sess.UserID != userID {
		return nil, nil, domain.ErrAuthorization
	}

	owner, err := s.store.ProductOwner(ctx, productID)
	if err != nil {
		return nil, nil, err
	}
	if owner != userID {
		return nil, nil, domain.ErrAuthorization
	}

	if err := s.store.ApplyLink(ctx, linkFromPair(domain.MatchedPair{Product: *product, Label: *label})); err != nil {
		return nil, nil, err
	}

	// Отражаем перенос в возвращаемых копиях.
	applyNutrition(product, label)
	label.MatchedProductID = &product.ID

	slog.Info("manual link applied", "user_id", userID, "product_id", productID, "label_id", labelID)
	return product, label, nil
}

// MarkAsNew помечает товар как сознательно оставленный без пары.
// Чисто информационно: товар выпадает из последующих пересчётов подсказок
// до начала следующего похода. Чужой товар пометить нельзя.
func (s *Service) MarkAsNew(ctx context.Context, userID, productID int64) error {
	owner, err := s.store.ProductOwner(ctx, productID)
	if err != nil {
		return err
	}
	if owner != userID {
		return domain.ErrAuthorization
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	marks, ok := s.markedNew[userID]
	if !ok {
		marks = make(map[int64]struct{})
		s.markedNew[userID] = marks
	}
	marks[productID] = struct{}{}
	slog.Info("product marked as new", "user_id", userID, "product_id", productID)
	return nil
}

// RecomputeSuggestions перечитывает подсказки для оставшихся без пары
// товаров: ручные связи съедают этикетки, помеченные «новыми» товары
// выпадают. Сессия должна принадлежать запрашивающему пользователю.
func (s *Service) RecomputeSuggestions(ctx context.Context, userID, sessionID int64, productIDs []int64) (map[int64][]domain.Suggestion, error) {
	sess, err := s.store.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
	}
	if sess.UserID != userID {
		return nil, domain.ErrAuthorization
	}

	ids := make([]int64, 0, len(productIDs))
	s.mu.Lock()
	marks := s.markedNew[userID]
	for _, id := range productIDs {
		if _, skip := marks[id]; !skip {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	products, err := s.store.ProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	labels, err := s.store.SessionLabels(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}

	return matching.Match(products, labels).Suggestions, nil
}

func linkFromPair(pair domain.MatchedPair) storage.MatchLink {
	return storage.MatchLink{
		ProductID: pair.Product.ID,
		LabelID:   pair.Label.ID,
		Calories:  pair.Label.Calories,
		Protein:   pair.Label.Protein,
		Fat:       pair.Label.Fat,
		Carbs:     pair.Label.Carbs,
	}
}

func applyNutrition(p *domain.ReceiptProduct, l *domain.LabelScan) {
	if l.Calories != nil {
		p.Calories = *l.Calories
	}
	if l.Protein != nil {
		p.Protein = *l.Protein
	}
	if l.Fat != nil {
		p.Fat = *l.Fat
	}
	if l.Carbs != nil {
		p.Carbs = *l.Carbs
	}
}
