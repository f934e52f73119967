package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/internal/identity"
	"github.com/mostro-exchange/mostrod/internal/message"
)

// schemaVersion is bumped on every migration; the store refuses to start
// against a database stamped with a version it does not recognize
// (spec.md §6, "the store refuses to start against an unknown future
// version").
const schemaVersion = 1

// SQLite is the reference relational Store, grounded on the teacher's
// internal/storage.Storage: single sql.DB with SetMaxOpenConns(1) (SQLite
// only supports one writer), a single RWMutex serializing access on top of
// that, and an initSchema migration-on-start step.
type SQLite struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenSQLite opens (creating if needed) a SQLite-backed store at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("store: create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_meta (
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		pubkey TEXT PRIMARY KEY,
		trade_index INTEGER NOT NULL DEFAULT 0,
		is_solver INTEGER NOT NULL DEFAULT 0,
		is_admin INTEGER NOT NULL DEFAULT 0,
		is_banned INTEGER NOT NULL DEFAULT 0,
		rating_sum INTEGER NOT NULL DEFAULT 0,
		rating_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		creator_pubkey TEXT NOT NULL,
		buyer_pubkey TEXT,
		seller_pubkey TEXT,
		amount_sat INTEGER NOT NULL,
		fee_sat INTEGER NOT NULL,
		fiat_code TEXT NOT NULL,
		fiat_amount TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		buyer_invoice TEXT,
		preimage TEXT,
		hash TEXT,
		failed_payment INTEGER NOT NULL DEFAULT 0,
		payment_attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		taken_at INTEGER,
		expires_at INTEGER,
		funding_expires_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_hash ON orders(hash);

	CREATE TABLE IF NOT EXISTS disputes (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		status TEXT NOT NULL,
		solver_pubkey TEXT,
		initiated_by TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_disputes_order ON disputes(order_id);

	CREATE TABLE IF NOT EXISTS pending_payouts (
		order_id TEXT PRIMARY KEY,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL,
		invoice TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_meta").Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err := s.db.Exec("INSERT INTO schema_meta (version) VALUES (?)", schemaVersion)
		return err
	}
	var version int
	if err := s.db.QueryRow("SELECT version FROM schema_meta LIMIT 1").Scan(&version); err != nil {
		return err
	}
	if version > schemaVersion {
		return fmt.Errorf("%w: database version %d, binary supports %d", ErrUnknownMigration, version, schemaVersion)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullablePubkey(p *identity.PublicKey) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: p.Hex(), Valid: true}
}

func parsePubkeyPtr(ns sql.NullString) (*identity.PublicKey, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	pk, err := identity.ParsePublicKeyHex(ns.String)
	if err != nil {
		return nil, err
	}
	return &pk, nil
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timePtr(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := time.Unix(ns.Int64, 0).UTC()
	return &t
}

func (s *SQLite) CreateOrder(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO orders (
			id, kind, status, creator_pubkey, buyer_pubkey, seller_pubkey,
			amount_sat, fee_sat, fiat_code, fiat_amount, payment_method,
			buyer_invoice, preimage, hash, failed_payment, payment_attempts,
			created_at, taken_at, expires_at, funding_expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID.String(), string(o.Kind), string(o.Status), o.CreatorPubkey.Hex(),
		nullablePubkey(o.BuyerPubkey), nullablePubkey(o.SellerPubkey),
		o.AmountSat, o.FeeSat, o.FiatCode, o.FiatAmount, o.PaymentMethod,
		o.BuyerInvoice, o.Preimage, o.Hash, boolToInt(o.FailedPayment), o.PaymentAttempts,
		o.CreatedAt.Unix(), nullableTime(o.TakenAt), nullableTime(o.ExpiresAt), nullableTime(o.FundingExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("store: create order: %w", err)
	}
	return nil
}

func (s *SQLite) scanOrder(row *sql.Row) (*Order, error) {
	var o Order
	var id, creator string
	var kind, status string
	var buyerPubkey, sellerPubkey sql.NullString
	var takenAt, expiresAt, fundingExpiresAt sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&id, &kind, &status, &creator, &buyerPubkey, &sellerPubkey,
		&o.AmountSat, &o.FeeSat, &o.FiatCode, &o.FiatAmount, &o.PaymentMethod,
		&o.BuyerInvoice, &o.Preimage, &o.Hash, &o.FailedPayment, &o.PaymentAttempts,
		&createdAt, &takenAt, &expiresAt, &fundingExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan order: %w", err)
	}

	o.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("store: parse order id: %w", err)
	}
	o.Kind = message.OrderKind(kind)
	o.Status = OrderStatus(status)
	o.CreatorPubkey, err = identity.ParsePublicKeyHex(creator)
	if err != nil {
		return nil, fmt.Errorf("store: parse creator pubkey: %w", err)
	}
	if o.BuyerPubkey, err = parsePubkeyPtr(buyerPubkey); err != nil {
		return nil, err
	}
	if o.SellerPubkey, err = parsePubkeyPtr(sellerPubkey); err != nil {
		return nil, err
	}
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.TakenAt = timePtr(takenAt)
	o.ExpiresAt = timePtr(expiresAt)
	o.FundingExpiresAt = timePtr(fundingExpiresAt)
	return &o, nil
}

const orderColumns = `id, kind, status, creator_pubkey, buyer_pubkey, seller_pubkey,
		amount_sat, fee_sat, fiat_code, fiat_amount, payment_method,
		buyer_invoice, preimage, hash, failed_payment, payment_attempts,
		created_at, taken_at, expires_at, funding_expires_at`

func (s *SQLite) GetOrder(_ context.Context, id uuid.UUID) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT "+orderColumns+" FROM orders WHERE id = ?", id.String())
	return s.scanOrder(row)
}

func (s *SQLite) GetOrderByHash(_ context.Context, hash string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT "+orderColumns+" FROM orders WHERE hash = ?", hash)
	return s.scanOrder(row)
}

func (s *SQLite) UpdateOrder(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := s.db.Exec(`
		UPDATE orders SET
			kind = ?, status = ?, buyer_pubkey = ?, seller_pubkey = ?,
			amount_sat = ?, fee_sat = ?, fiat_code = ?, fiat_amount = ?,
			payment_method = ?, buyer_invoice = ?, preimage = ?, hash = ?,
			failed_payment = ?, payment_attempts = ?, taken_at = ?, expires_at = ?,
			funding_expires_at = ?
		WHERE id = ?
	`,
		string(o.Kind), string(o.Status), nullablePubkey(o.BuyerPubkey), nullablePubkey(o.SellerPubkey),
		o.AmountSat, o.FeeSat, o.FiatCode, o.FiatAmount,
		o.PaymentMethod, o.BuyerInvoice, o.Preimage, o.Hash,
		boolToInt(o.FailedPayment), o.PaymentAttempts, nullableTime(o.TakenAt), nullableTime(o.ExpiresAt),
		nullableTime(o.FundingExpiresAt),
		o.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("store: update order: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (s *SQLite) ListOrdersByStatus(_ context.Context, status OrderStatus) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query("SELECT "+orderColumns+" FROM orders WHERE status = ? ORDER BY created_at ASC", string(status))
	if err != nil {
		return nil, fmt.Errorf("store: list orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// scanOrderRows duplicates scanOrder's field list for *sql.Rows, since
// database/sql does not share a Scan-able interface between Row and Rows.
func scanOrderRows(rows *sql.Rows) (*Order, error) {
	var o Order
	var id, creator string
	var kind, status string
	var buyerPubkey, sellerPubkey sql.NullString
	var takenAt, expiresAt, fundingExpiresAt sql.NullInt64
	var createdAt int64

	err := rows.Scan(
		&id, &kind, &status, &creator, &buyerPubkey, &sellerPubkey,
		&o.AmountSat, &o.FeeSat, &o.FiatCode, &o.FiatAmount, &o.PaymentMethod,
		&o.BuyerInvoice, &o.Preimage, &o.Hash, &o.FailedPayment, &o.PaymentAttempts,
		&createdAt, &takenAt, &expiresAt, &fundingExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: scan order row: %w", err)
	}
	o.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("store: parse order id: %w", err)
	}
	o.Kind = message.OrderKind(kind)
	o.Status = OrderStatus(status)
	if o.CreatorPubkey, err = identity.ParsePublicKeyHex(creator); err != nil {
		return nil, fmt.Errorf("store: parse creator pubkey: %w", err)
	}
	if o.BuyerPubkey, err = parsePubkeyPtr(buyerPubkey); err != nil {
		return nil, err
	}
	if o.SellerPubkey, err = parsePubkeyPtr(sellerPubkey); err != nil {
		return nil, err
	}
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.TakenAt = timePtr(takenAt)
	o.ExpiresAt = timePtr(expiresAt)
	o.FundingExpiresAt = timePtr(fundingExpiresAt)
	return &o, nil
}

func (s *SQLite) GetUser(_ context.Context, pubkey identity.PublicKey) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var u User
	var pk string
	var isSolver, isAdmin, isBanned int
	err := s.db.QueryRow(`
		SELECT pubkey, trade_index, is_solver, is_admin, is_banned, rating_sum, rating_count
		FROM users WHERE pubkey = ?
	`, pubkey.Hex()).Scan(&pk, &u.TradeIndex, &isSolver, &isAdmin, &isBanned, &u.RatingSum, &u.RatingCount)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	u.Pubkey, err = identity.ParsePublicKeyHex(pk)
	if err != nil {
		return nil, fmt.Errorf("store: parse user pubkey: %w", err)
	}
	u.IsSolver, u.IsAdmin, u.IsBanned = isSolver == 1, isAdmin == 1, isBanned == 1
	return &u, nil
}

func (s *SQLite) UpsertUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO users (pubkey, trade_index, is_solver, is_admin, is_banned, rating_sum, rating_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			trade_index = excluded.trade_index,
			is_solver = excluded.is_solver,
			is_admin = excluded.is_admin,
			is_banned = excluded.is_banned,
			rating_sum = excluded.rating_sum,
			rating_count = excluded.rating_count
	`, u.Pubkey.Hex(), u.TradeIndex, boolToInt(u.IsSolver), boolToInt(u.IsAdmin), boolToInt(u.IsBanned), u.RatingSum, u.RatingCount)
	if err != nil {
		return fmt.Errorf("store: upsert user: %w", err)
	}
	return nil
}

func (s *SQLite) CreateDispute(_ context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO disputes (id, order_id, status, solver_pubkey, initiated_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.ID.String(), d.OrderID.String(), string(d.Status), nullablePubkey(d.SolverPubkey), d.InitiatedBy.Hex(), d.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: create dispute: %w", err)
	}
	return nil
}

func (s *SQLite) scanDispute(row *sql.Row) (*Dispute, error) {
	var d Dispute
	var id, orderID, status, initiatedBy string
	var solverPubkey sql.NullString
	var createdAt int64
	err := row.Scan(&id, &orderID, &status, &solverPubkey, &initiatedBy, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan dispute: %w", err)
	}
	if d.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if d.OrderID, err = uuid.Parse(orderID); err != nil {
		return nil, err
	}
	d.Status = DisputeStatus(status)
	if d.SolverPubkey, err = parsePubkeyPtr(solverPubkey); err != nil {
		return nil, err
	}
	if d.InitiatedBy, err = identity.ParsePublicKeyHex(initiatedBy); err != nil {
		return nil, err
	}
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &d, nil
}

func (s *SQLite) GetDispute(_ context.Context, id uuid.UUID) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`
		SELECT id, order_id, status, solver_pubkey, initiated_by, created_at
		FROM disputes WHERE id = ?
	`, id.String())
	return s.scanDispute(row)
}

func (s *SQLite) GetDisputeByOrder(_ context.Context, orderID uuid.UUID) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`
		SELECT id, order_id, status, solver_pubkey, initiated_by, created_at
		FROM disputes WHERE order_id = ? AND status NOT IN (?, ?, ?)
		ORDER BY created_at DESC LIMIT 1
	`, orderID.String(), string(DisputeSettled), string(DisputeSellerRefunded), string(DisputeReleased))
	return s.scanDispute(row)
}

func (s *SQLite) UpdateDispute(_ context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := s.db.Exec(`
		UPDATE disputes SET status = ?, solver_pubkey = ? WHERE id = ?
	`, string(d.Status), nullablePubkey(d.SolverPubkey), d.ID.String())
	if err != nil {
		return fmt.Errorf("store: update dispute: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (s *SQLite) AddPendingPayout(_ context.Context, p *PendingPayout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO pending_payouts (order_id, attempts, next_attempt_at, invoice)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			attempts = excluded.attempts,
			next_attempt_at = excluded.next_attempt_at,
			invoice = excluded.invoice
	`, p.OrderID.String(), p.Attempts, p.NextAttemptAt.Unix(), p.Invoice)
	if err != nil {
		return fmt.Errorf("store: add pending payout: %w", err)
	}
	return nil
}

func (s *SQLite) ListDuePendingPayouts(_ context.Context, now time.Time) ([]*PendingPayout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT order_id, attempts, next_attempt_at, invoice FROM pending_payouts
		WHERE next_attempt_at <= ?
	`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: list pending payouts: %w", err)
	}
	defer rows.Close()

	var out []*PendingPayout
	for rows.Next() {
		var p PendingPayout
		var orderID string
		var nextAttemptAt int64
		if err := rows.Scan(&orderID, &p.Attempts, &nextAttemptAt, &p.Invoice); err != nil {
			return nil, fmt.Errorf("store: scan pending payout: %w", err)
		}
		if p.OrderID, err = uuid.Parse(orderID); err != nil {
			return nil, err
		}
		p.NextAttemptAt = time.Unix(nextAttemptAt, 0).UTC()
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *SQLite) RemovePendingPayout(_ context.Context, orderID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM pending_payouts WHERE order_id = ?", orderID.String())
	if err != nil {
		return fmt.Errorf("store: remove pending payout: %w", err)
	}
	return nil
}
