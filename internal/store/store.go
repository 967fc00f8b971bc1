package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CMMPayWatch/internal/models"

	sq "github.com/Masterminds/squirrel"
	txpgx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("order not found")
	ErrOrderExists  = errors.New("order already exists")
	ErrAddressInUse = errors.New("receiving address already assigned")
)

// Filter narrows ListOrders. Zero values mean "any".
type Filter struct {
	Completed *bool
	Address   string
	Limit     uint64
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var orderColumns = []string{
	"order_id", "receiving_address", "secret_key", "required_total", "paid_total",
	"completed", "completed_at", "confirmations_required", "fiat_total", "fiat_currency",
	"rate_snapshot", "provider", "derivation_index", "metadata", "created_at", "updated_at",
}

type Store struct {
	Pool       *pgxpool.Pool
	db         txpgx.DBGetter
	transactor *txpgx.Transactor
}

func New(pool *pgxpool.Pool) *Store {
	transactor, getter := txpgx.NewTransactorFromPool(pool)
	return &Store{Pool: pool, db: getter, transactor: transactor}
}

func (s *Store) NextDerivationIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := s.db(ctx).QueryRow(ctx, "SELECT nextval('order_derivation_index_seq')").Scan(&idx)
	return idx, err
}

func (s *Store) CreateOrder(ctx context.Context, rec *models.OrderPaymentRecord) error {
	rate, err := json.Marshal(rec.Rate)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(nonNilMap(rec.Metadata))
	if err != nil {
		return err
	}
	_, err = s.db(ctx).Exec(ctx, `
		INSERT INTO payment_orders (
			order_id, receiving_address, secret_key, required_total, paid_total,
			completed, confirmations_required, fiat_total, fiat_currency,
			rate_snapshot, provider, derivation_index, metadata, created_at, updated_at
		) VALUES ($1,$2,$3,$4,0,false,$5,$6,$7,$8,$9,$10,$11,$12,$12)
	`,
		rec.OrderID,
		rec.ReceivingAddress,
		rec.SecretKey,
		int64(rec.RequiredTotal),
		rec.ConfirmationsRequired,
		rec.FiatTotal.String(),
		rec.FiatCurrency,
		string(rate),
		rec.Provider,
		rec.DerivationIndex,
		string(meta),
		rec.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "payment_orders_receiving_address_key" {
			return ErrAddressInUse
		}
		return ErrOrderExists
	}
	return err
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.OrderPaymentRecord, error) {
	query, args, err := psql.Select(orderColumns...).From("payment_orders").
		Where(sq.Eq{"order_id": orderID}).ToSql()
	if err != nil {
		return nil, err
	}
	rec, err := scanOrder(s.db(ctx).QueryRow(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if err := s.loadTransactions(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListOrders returns records without their received transactions.
func (s *Store) ListOrders(ctx context.Context, f Filter) ([]*models.OrderPaymentRecord, error) {
	b := psql.Select(orderColumns...).From("payment_orders").OrderBy("created_at")
	if f.Completed != nil {
		b = b.Where(sq.Eq{"completed": *f.Completed})
	}
	if f.Address != "" {
		b = b.Where(sq.Eq{"receiving_address": f.Address})
	}
	if f.Limit > 0 {
		b = b.Limit(f.Limit)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.OrderPaymentRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, rec)
	}
	return orders, rows.Err()
}

func (s *Store) ListPendingOrders(ctx context.Context) ([]*models.OrderPaymentRecord, error) {
	pending := false
	return s.ListOrders(ctx, Filter{Completed: &pending})
}

// Update runs fn against the locked row of orderID inside one transaction and
// persists the result. Concurrent updates of the same order are serialized by
// SELECT ... FOR UPDATE. If fn returns an error nothing is written.
func (s *Store) Update(ctx context.Context, orderID string, fn func(*models.OrderPaymentRecord) error) (*models.OrderPaymentRecord, error) {
	var out *models.OrderPaymentRecord
	err := s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		query, args, err := psql.Select(orderColumns...).From("payment_orders").
			Where(sq.Eq{"order_id": orderID}).Suffix("FOR UPDATE").ToSql()
		if err != nil {
			return err
		}
		rec, err := scanOrder(s.db(ctx).QueryRow(ctx, query, args...))
		if err != nil {
			return err
		}
		if err := s.loadTransactions(ctx, rec); err != nil {
			return err
		}

		if err := fn(rec); err != nil {
			return err
		}
		rec.UpdatedAt = time.Now().UTC()

		for _, tx := range rec.ReceivedTransactions {
			_, err := s.db(ctx).Exec(ctx, `
				INSERT INTO received_transactions (
					order_id, tx_hash, amount, source_address, confirmations, observed_at
				) VALUES ($1,$2,$3,$4,$5,$6)
				ON CONFLICT (order_id, tx_hash) DO UPDATE SET
					amount=EXCLUDED.amount,
					source_address=EXCLUDED.source_address,
					confirmations=EXCLUDED.confirmations,
					observed_at=EXCLUDED.observed_at
			`, rec.OrderID, tx.TxHash, int64(tx.Amount), tx.SourceAddress, tx.Confirmations, tx.ObservedAt)
			if err != nil {
				return fmt.Errorf("upsert transaction %s: %w", tx.TxHash, err)
			}
		}

		_, err = s.db(ctx).Exec(ctx, `
			UPDATE payment_orders
			SET paid_total=$2, completed=$3, completed_at=$4, updated_at=$5
			WHERE order_id=$1
		`, rec.OrderID, int64(rec.PaidTotal), rec.Completed, rec.CompletedAt, rec.UpdatedAt)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RecordSighting(ctx context.Context, sg models.Sighting) error {
	_, err := s.db(ctx).Exec(ctx, `
		INSERT INTO payment_sightings (order_id, tx_hash, amount, confirmations, origin, reason, seen_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, sg.OrderID, sg.TxHash, int64(sg.Amount), sg.Confirmations, sg.Origin, sg.Reason, sg.SeenAt)
	return err
}

func (s *Store) loadTransactions(ctx context.Context, rec *models.OrderPaymentRecord) error {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT tx_hash, amount, source_address, confirmations, observed_at
		FROM received_transactions WHERE order_id=$1
	`, rec.OrderID)
	if err != nil {
		return err
	}
	defer rows.Close()

	rec.ReceivedTransactions = map[string]models.ReceivedTx{}
	for rows.Next() {
		var tx models.ReceivedTx
		var amount int64
		if err := rows.Scan(&tx.TxHash, &amount, &tx.SourceAddress, &tx.Confirmations, &tx.ObservedAt); err != nil {
			return err
		}
		tx.Amount = models.Amount(amount)
		rec.ReceivedTransactions[tx.TxHash] = tx
	}
	return rows.Err()
}

func scanOrder(row pgx.Row) (*models.OrderPaymentRecord, error) {
	var rec models.OrderPaymentRecord
	var required, paid int64
	var completedAt sql.NullTime
	var derivationIndex sql.NullInt64
	var fiatTotal string
	var rate, meta []byte

	err := row.Scan(
		&rec.OrderID,
		&rec.ReceivingAddress,
		&rec.SecretKey,
		&required,
		&paid,
		&rec.Completed,
		&completedAt,
		&rec.ConfirmationsRequired,
		&fiatTotal,
		&rec.FiatCurrency,
		&rate,
		&rec.Provider,
		&derivationIndex,
		&meta,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rec.RequiredTotal = models.Amount(required)
	rec.PaidTotal = models.Amount(paid)
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	if derivationIndex.Valid {
		rec.DerivationIndex = &derivationIndex.Int64
	}
	if rec.FiatTotal, err = decimal.NewFromString(fiatTotal); err != nil {
		return nil, fmt.Errorf("order %s fiat_total: %w", rec.OrderID, err)
	}
	if err := json.Unmarshal(rate, &rec.Rate); err != nil {
		return nil, fmt.Errorf("order %s rate_snapshot: %w", rec.OrderID, err)
	}
	if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("order %s metadata: %w", rec.OrderID, err)
	}
	return &rec, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
