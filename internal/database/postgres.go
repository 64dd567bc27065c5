package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/TemirB/wb-delivery-sync/internal/config"
	"github.com/TemirB/wb-delivery-sync/internal/domain"
	"github.com/TemirB/wb-delivery-sync/internal/pkg/retry"
)

const (
	uniqueViolation = "23505"
	// a delivery id that does not parse as a uuid
	invalidTextRepresentation = "22P02"
)

var (
	_ domain.OrderRepository    = (*Repo)(nil)
	_ domain.DeliveryRepository = (*Repo)(nil)
)

type Repo struct {
	pool   *pgxpool.Pool
	tables config.Tables
}

func New(pool *pgxpool.Pool, t config.Tables) *Repo { return &Repo{pool: pool, tables: t} }

// Connect opens a pool with SQL tracing through logger and waits, under
// policy, until the database answers a ping.
func Connect(ctx context.Context, dsn string, logger *zap.Logger, policy retry.Policy) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   newZapTracer(logger),
		LogLevel: tracelog.LogLevelWarn,
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	err = retry.Do(ctx, policy, nil, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			logger.Warn("postgres is not ready", zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (r *Repo) qt(tbl string) string { return fmt.Sprintf(`"%s"."%s"`, r.tables.Schema, tbl) }

// EnsureSchema creates the schema, tables and indexes if they are missing.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, r.tables.Schema),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
			  external_id      TEXT PRIMARY KEY,
			  order_number     TEXT NOT NULL DEFAULT '',
			  customer_name    TEXT NOT NULL DEFAULT '',
			  customer_phone   TEXT NOT NULL DEFAULT '',
			  customer_email   TEXT,
			  delivery_address TEXT NOT NULL DEFAULT '',
			  total_amount     NUMERIC(14,2) NOT NULL DEFAULT 0,
			  status           TEXT NOT NULL,
			  created_at       TIMESTAMPTZ,
			  synced_at        TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, r.qt(r.tables.Order)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
			  external_id  TEXT NOT NULL REFERENCES %s (external_id) ON DELETE CASCADE,
			  line         INT NOT NULL,
			  product_id   TEXT NOT NULL,
			  product_name TEXT NOT NULL DEFAULT '',
			  quantity     INT NOT NULL,
			  unit_price   NUMERIC(14,2) NOT NULL DEFAULT 0,
			  PRIMARY KEY (external_id, line)
			)`, r.qt(r.tables.Item), r.qt(r.tables.Order)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
			  id                UUID PRIMARY KEY,
			  order_external_id TEXT NOT NULL,
			  tracking_number   TEXT NOT NULL DEFAULT '',
			  courier_id        TEXT NOT NULL DEFAULT '',
			  status            TEXT NOT NULL,
			  sms_request_id    TEXT,
			  code_attempts     INT NOT NULL DEFAULT 0,
			  failure_reason    TEXT NOT NULL DEFAULT '',
			  created_at        TIMESTAMPTZ NOT NULL,
			  updated_at        TIMESTAMPTZ NOT NULL,
			  confirmed_at      TIMESTAMPTZ
			)`, r.qt(r.tables.Delivery)),
		fmt.Sprintf(`
			CREATE UNIQUE INDEX IF NOT EXISTS "%s_active_order_idx" ON %s (order_external_id)
			WHERE status NOT IN ('CONFIRMED', 'CANCELLED', 'FAILED')`, r.tables.Delivery, r.qt(r.tables.Delivery)),
	}

	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// InsertNew writes the given orders in one transaction and two batches.
// Rows that already exist are left untouched; only inserted ids are returned.
func (r *Repo) InsertNew(ctx context.Context, orders []domain.Order) ([]string, error) {
	if len(orders) == 0 {
		return nil, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, o := range orders {
		batch.Queue(fmt.Sprintf(`
			INSERT INTO %s (external_id, order_number, customer_name, customer_phone, customer_email,
			  delivery_address, total_amount, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7::text::numeric,$8,$9)
			ON CONFLICT (external_id) DO NOTHING
			RETURNING external_id
		`, r.qt(r.tables.Order)),
			o.ExternalID, o.OrderNumber, o.Customer.Name, o.Customer.Phone, o.Customer.Email,
			o.DeliveryAddress, o.TotalAmount.String(), string(o.Status), o.CreatedAt,
		)
	}

	inserted := make([]string, 0, len(orders))
	insertedSet := make(map[string]struct{}, len(orders))
	br := tx.SendBatch(ctx, batch)
	for range orders {
		var id string
		err := br.QueryRow().Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("insert order: %w", err)
		}
		inserted = append(inserted, id)
		insertedSet[id] = struct{}{}
	}
	if err := br.Close(); err != nil {
		return nil, err
	}

	items := &pgx.Batch{}
	for _, o := range orders {
		if _, ok := insertedSet[o.ExternalID]; !ok {
			continue
		}
		for i, it := range o.Items {
			items.Queue(fmt.Sprintf(`
				INSERT INTO %s (external_id, line, product_id, product_name, quantity, unit_price)
				VALUES ($1,$2,$3,$4,$5,$6::text::numeric)
				ON CONFLICT DO NOTHING
			`, r.qt(r.tables.Item)),
				o.ExternalID, i, it.ProductID, it.ProductName, it.Quantity, it.UnitPrice.String(),
			)
		}
	}
	if items.Len() > 0 {
		if err := tx.SendBatch(ctx, items).Close(); err != nil {
			return nil, fmt.Errorf("insert items: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inserted, nil
}

func (r *Repo) KnownIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	known := make(map[string]struct{})
	if len(ids) == 0 {
		return known, nil
	}

	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT external_id FROM %s WHERE external_id = ANY($1)
	`, r.qt(r.tables.Order)), ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		known[id] = struct{}{}
	}
	return known, rows.Err()
}

func (r *Repo) GetOrder(ctx context.Context, externalID string) (*domain.Order, error) {
	var (
		o      domain.Order
		status string
		total  string
	)
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT external_id, order_number, customer_name, customer_phone, customer_email,
		       delivery_address, total_amount::text, status, COALESCE(created_at, synced_at)
		FROM %s WHERE external_id=$1
	`, r.qt(r.tables.Order)), externalID).Scan(
		&o.ExternalID, &o.OrderNumber, &o.Customer.Name, &o.Customer.Phone, &o.Customer.Email,
		&o.DeliveryAddress, &total, &status, &o.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, externalID)
	}
	if err != nil {
		return nil, err
	}
	o.Status = domain.OrderStatus(status)
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("order %s total: %w", externalID, err)
	}

	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT product_id, product_name, quantity, unit_price::text
		FROM %s WHERE external_id=$1 ORDER BY line
	`, r.qt(r.tables.Item)), externalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it    domain.Item
			price string
		)
		if err := rows.Scan(&it.ProductID, &it.ProductName, &it.Quantity, &price); err != nil {
			return nil, err
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("order %s item price: %w", externalID, err)
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}

func (r *Repo) UpdateOrderStatus(ctx context.Context, externalID string, status domain.OrderStatus) error {
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status=$2 WHERE external_id=$1
	`, r.qt(r.tables.Order)), externalID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, externalID)
	}
	return nil
}

func (r *Repo) RecentOrderIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT external_id FROM %s
		ORDER BY created_at DESC NULLS LAST
		LIMIT $1
	`, r.qt(r.tables.Order)), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const deliveryColumns = `id::text, order_external_id, tracking_number, courier_id, status, sms_request_id,
	code_attempts, failure_reason, created_at, updated_at, confirmed_at`

func (r *Repo) CreateDelivery(ctx context.Context, d *domain.Delivery) error {
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, order_external_id, tracking_number, courier_id, status, sms_request_id,
		  code_attempts, failure_reason, created_at, updated_at, confirmed_at)
		VALUES ($1::uuid,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, r.qt(r.tables.Delivery)),
		d.ID, d.OrderExternalID, d.TrackingNumber, d.CourierID, string(d.Status), d.SMSRequestID,
		d.CodeAttempts, d.FailureReason, d.CreatedAt, d.UpdatedAt, d.ConfirmedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: order %s", domain.ErrDeliveryExists, d.OrderExternalID)
	}
	return err
}

func (r *Repo) GetDelivery(ctx context.Context, id string) (*domain.Delivery, error) {
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE id=$1::uuid
	`, deliveryColumns, r.qt(r.tables.Delivery)), id)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
		return nil, fmt.Errorf("%w: delivery %s", domain.ErrNotFound, id)
	}
	return d, err
}

func (r *Repo) UpdateDelivery(ctx context.Context, d *domain.Delivery) error {
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET courier_id=$2, status=$3, sms_request_id=$4, code_attempts=$5,
		  failure_reason=$6, updated_at=$7, confirmed_at=$8
		WHERE id=$1::uuid
	`, r.qt(r.tables.Delivery)),
		d.ID, d.CourierID, string(d.Status), d.SMSRequestID, d.CodeAttempts,
		d.FailureReason, d.UpdatedAt, d.ConfirmedAt,
	)
	if isInvalidID(err) {
		return fmt.Errorf("%w: delivery %s", domain.ErrNotFound, d.ID)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: delivery %s", domain.ErrNotFound, d.ID)
	}
	return nil
}

func (r *Repo) ActiveDeliveryForOrder(ctx context.Context, externalID string) (*domain.Delivery, error) {
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE order_external_id=$1 AND status NOT IN ('CONFIRMED', 'CANCELLED', 'FAILED')
		LIMIT 1
	`, deliveryColumns, r.qt(r.tables.Delivery)), externalID)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: active delivery for order %s", domain.ErrNotFound, externalID)
	}
	return d, err
}

func isInvalidID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation
}

func scanDelivery(row pgx.Row) (*domain.Delivery, error) {
	var (
		d      domain.Delivery
		status string
	)
	if err := row.Scan(
		&d.ID, &d.OrderExternalID, &d.TrackingNumber, &d.CourierID, &status, &d.SMSRequestID,
		&d.CodeAttempts, &d.FailureReason, &d.CreatedAt, &d.UpdatedAt, &d.ConfirmedAt,
	); err != nil {
		return nil, err
	}
	d.Status = domain.DeliveryStatus(status)
	return &d, nil
}
