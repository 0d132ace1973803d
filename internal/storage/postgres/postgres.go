// internal/storage/postgres/postgres.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"grocery-tracker/internal/domain"
	"grocery-tracker/internal/storage"
)

type Storage struct {
	db *pgxpool.Pool
}

func NewStorage(db *pgxpool.Pool) *Storage {
	return &Storage{db: db}
}

// === SessionStorage ===

func (s *Storage) ActiveSession(ctx context.Context, userID int64) (*domain.ShoppingSession, error) {
	var sess domain.ShoppingSession
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, state, started_at, finished_at, is_active
		FROM shopping_sessions
		WHERE user_id = $1 AND is_active
		ORDER BY started_at DESC
		LIMIT 1
	`, userID).Scan(&sess.ID, &sess.UserID, &sess.State, &sess.StartedAt, &sess.FinishedAt, &sess.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return &sess, nil
}

func (s *Storage) CreateSession(ctx context.Context, userID int64) (*domain.ShoppingSession, error) {
	var sess domain.ShoppingSession
	err := s.db.QueryRow(ctx, `
		INSERT INTO shopping_sessions (user_id, state, is_active)
		VALUES ($1, $2, TRUE)
		RETURNING id, user_id, state, started_at, finished_at, is_active
	`, userID, domain.StateScanningLabels).Scan(
		&sess.ID, &sess.UserID, &sess.State, &sess.StartedAt, &sess.FinishedAt, &sess.IsActive)
	if err != nil {
		// Частичный уникальный индекс: параллельный StartTrip уже создал
		// активную сессию — возвращаем её.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return s.ActiveSession(ctx, userID)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &sess, nil
}

func (s *Storage) SessionByID(ctx context.Context, id int64) (*domain.ShoppingSession, error) {
	var sess domain.ShoppingSession
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, state, started_at, finished_at, is_active
		FROM shopping_sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &sess.State, &sess.StartedAt, &sess.FinishedAt, &sess.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &sess, nil
}

func (s *Storage) SetSessionState(ctx context.Context, id int64, state domain.SessionState) error {
	tag, err := s.db.Exec(ctx, `UPDATE shopping_sessions SET state = $2 WHERE id = $1`, id, state)
	if err != nil {
		return fmt.Errorf("set session state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Storage) CloseSession(ctx context.Context, id int64, finishedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE shopping_sessions
		SET state = $2, is_active = FALSE, finished_at = $3
		WHERE id = $1
	`, id, domain.StateClosed, finishedAt)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// === LabelStorage ===

func (s *Storage) AppendLabel(ctx context.Context, sessionID int64, fields domain.LabelFields) (*domain.LabelScan, error) {
	var scan domain.LabelScan
	err := s.db.QueryRow(ctx, `
		INSERT INTO label_scans (session_id, name, brand, weight, calories, protein, fat, carbs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, session_id, name, brand, weight, calories, protein, fat, carbs, matched_product_id, created_at
	`, sessionID, fields.Name, fields.Brand, fields.Weight,
		fields.Calories, fields.Protein, fields.Fat, fields.Carbs).Scan(
		&scan.ID, &scan.SessionID, &scan.Name, &scan.Brand, &scan.Weight,
		&scan.Calories, &scan.Protein, &scan.Fat, &scan.Carbs, &scan.MatchedProductID, &scan.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append label: %w", err)
	}
	return &scan, nil
}

func (s *Storage) SessionLabels(ctx context.Context, sessionID int64, onlyUnmatched bool) ([]domain.LabelScan, error) {
	query := `
		SELECT id, session_id, name, brand, weight, calories, protein, fat, carbs, matched_product_id, created_at
		FROM label_scans
		WHERE session_id = $1`
	if onlyUnmatched {
		query += ` AND matched_product_id IS NULL`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session labels: %w", err)
	}
	defer rows.Close()

	var scans []domain.LabelScan
	for rows.Next() {
		var scan domain.LabelScan
		if err := rows.Scan(&scan.ID, &scan.SessionID, &scan.Name, &scan.Brand, &scan.Weight,
			&scan.Calories, &scan.Protein, &scan.Fat, &scan.Carbs, &scan.MatchedProductID, &scan.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan label row: %w", err)
		}
		scans = append(scans, scan)
	}
	return scans, rows.Err()
}

func (s *Storage) LabelByID(ctx context.Context, id int64) (*domain.LabelScan, error) {
	var scan domain.LabelScan
	err := s.db.QueryRow(ctx, `
		SELECT id, session_id, name, brand, weight, calories, protein, fat, carbs, matched_product_id, created_at
		FROM label_scans WHERE id = $1
	`, id).Scan(&scan.ID, &scan.SessionID, &scan.Name, &scan.Brand, &scan.Weight,
		&scan.Calories, &scan.Protein, &scan.Fat, &scan.Carbs, &scan.MatchedProductID, &scan.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find label: %w", err)
	}
	return &scan, nil
}

func (s *Storage) DeleteLabel(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM label_scans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete label: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("label %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// === ReceiptStorage ===

func (s *Storage) CreateReceipt(ctx context.Context, userID int64, total float64, rawText string) (*domain.Receipt, error) {
	var receipt domain.Receipt
	err := s.db.QueryRow(ctx, `
		INSERT INTO receipts (user_id, total_amount, raw_text)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, raw_text, total_amount, created_at
	`, userID, total, rawText).Scan(&receipt.ID, &receipt.UserID, &receipt.RawText, &receipt.TotalAmount, &receipt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create receipt: %w", err)
	}
	return &receipt, nil
}

func (s *Storage) FindRecentReceipt(ctx context.Context, userID int64, total float64, since time.Time) (*domain.Receipt, error) {
	var receipt domain.Receipt
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, raw_text, total_amount, created_at
		FROM receipts
		WHERE user_id = $1 AND total_amount = $2 AND created_at >= $3
		ORDER BY id DESC
		LIMIT 1
	`, userID, total, since).Scan(&receipt.ID, &receipt.UserID, &receipt.RawText, &receipt.TotalAmount, &receipt.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find recent receipt: %w", err)
	}
	return &receipt, nil
}

func (s *Storage) CreateProducts(ctx context.Context, receiptID int64, items []domain.ReceiptItem) ([]domain.ReceiptProduct, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	products := make([]domain.ReceiptProduct, 0, len(items))
	for _, item := range items {
		var p domain.ReceiptProduct
		err := tx.QueryRow(ctx, `
			INSERT INTO receipt_products (receipt_id, name, quantity, price, category, calories, protein, fat, carbs)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id, receipt_id, name, quantity, price, category, calories, protein, fat, carbs
		`, receiptID, item.Name, item.Quantity, item.Price, item.Category,
			item.Calories, item.Protein, item.Fat, item.Carbs).Scan(
			&p.ID, &p.ReceiptID, &p.Name, &p.Quantity, &p.Price, &p.Category,
			&p.Calories, &p.Protein, &p.Fat, &p.Carbs)
		if err != nil {
			return nil, fmt.Errorf("insert product %q: %w", item.Name, err)
		}
		products = append(products, p)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	slog.Debug("receipt products saved", "receipt_id", receiptID, "count", len(products))
	return products, nil
}

func (s *Storage) ProductByID(ctx context.Context, id int64) (*domain.ReceiptProduct, error) {
	var p domain.ReceiptProduct
	err := s.db.QueryRow(ctx, `
		SELECT id, receipt_id, name, quantity, price, category, calories, protein, fat, carbs
		FROM receipt_products WHERE id = $1
	`, id).Scan(&p.ID, &p.ReceiptID, &p.Name, &p.Quantity, &p.Price, &p.Category,
		&p.Calories, &p.Protein, &p.Fat, &p.Carbs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find product: %w", err)
	}
	return &p, nil
}

func (s *Storage) ProductsByIDs(ctx context.Context, ids []int64) ([]domain.ReceiptProduct, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, receipt_id, name, quantity, price, category, calories, protein, fat, carbs
		FROM receipt_products
		WHERE id = ANY($1)
		ORDER BY id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []domain.ReceiptProduct
	for rows.Next() {
		var p domain.ReceiptProduct
		if err := rows.Scan(&p.ID, &p.ReceiptID, &p.Name, &p.Quantity, &p.Price, &p.Category,
			&p.Calories, &p.Protein, &p.Fat, &p.Carbs); err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Storage) ProductOwner(ctx context.Context, productID int64) (int64, error) {
	var userID int64
	err := s.db.QueryRow(ctx, `
		SELECT r.user_id
		FROM receipt_products p
		JOIN receipts r ON r.id = p.receipt_id
		WHERE p.id = $1
	`, productID).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("product %d: %w", productID, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("find product owner: %w", err)
	}
	return userID, nil
}

// === MatchStorage ===

func (s *Storage) ApplyMatch(ctx context.Context, sessionID int64, links []storage.MatchLink, finishedAt time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, link := range links {
		if err := applyLinkInTx(ctx, tx, link); err != nil {
			return err
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE shopping_sessions
		SET state = $2, is_active = FALSE, finished_at = $3
		WHERE id = $1
	`, sessionID, domain.StateClosed, finishedAt)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	slog.Debug("match applied", "session_id", sessionID, "links", len(links))
	return nil
}

func (s *Storage) ApplyLink(ctx context.Context, link storage.MatchLink) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyLinkInTx(ctx, tx, link); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func applyLinkInTx(ctx context.Context, tx pgx.Tx, link storage.MatchLink) error {
	_, err := tx.Exec(ctx, `
		UPDATE receipt_products
		SET calories = COALESCE($2, calories),
		    protein  = COALESCE($3, protein),
		    fat      = COALESCE($4, fat),
		    carbs    = COALESCE($5, carbs)
		WHERE id = $1
	`, link.ProductID, link.Calories, link.Protein, link.Fat, link.Carbs)
	if err != nil {
		return fmt.Errorf("update product %d: %w", link.ProductID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE label_scans SET matched_product_id = $2 WHERE id = $1
	`, link.LabelID, link.ProductID)
	if err != nil {
		return fmt.Errorf("link label %d: %w", link.LabelID, err)
	}
	return nil
}

// === PriceStorage ===

func (s *Storage) RecordPriceTag(ctx context.Context, userID int64, name string, price float64, store *string, observedAt time.Time) (*domain.PriceTag, []domain.PriceTag, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Снимок предыдущих наблюдений до вставки: одна транзакция — одна
	// согласованная выборка, параллельные вставки не двоятся.
	rows, err := tx.Query(ctx, `
		SELECT id, user_id, product_name, price, store_name, observed_at
		FROM price_tags
		WHERE user_id = $1
		ORDER BY observed_at, id
	`, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("query prior price tags: %w", err)
	}
	prior, err := collectPriceTags(rows)
	if err != nil {
		return nil, nil, err
	}

	var tag domain.PriceTag
	err = tx.QueryRow(ctx, `
		INSERT INTO price_tags (user_id, product_name, price, store_name, observed_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, user_id, product_name, price, store_name, observed_at
	`, userID, name, price, store, observedAt).Scan(
		&tag.ID, &tag.UserID, &tag.ProductName, &tag.Price, &tag.StoreName, &tag.ObservedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("insert price tag: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit tx: %w", err)
	}

	return &tag, prior, nil
}

func (s *Storage) UserPriceTags(ctx context.Context, userID int64) ([]domain.PriceTag, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, product_name, price, store_name, observed_at
		FROM price_tags
		WHERE user_id = $1
		ORDER BY observed_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query price tags: %w", err)
	}
	return collectPriceTags(rows)
}

func collectPriceTags(rows pgx.Rows) ([]domain.PriceTag, error) {
	defer rows.Close()
	var tags []domain.PriceTag
	for rows.Next() {
		var tag domain.PriceTag
		if err := rows.Scan(&tag.ID, &tag.UserID, &tag.ProductName, &tag.Price, &tag.StoreName, &tag.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan price tag row: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}
