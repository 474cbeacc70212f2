// Package repository содержит реализацию журнала событий в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/finledger/internal/journal"
	"github.com/mmeshcher/finledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDuplicateEvent возвращается при повторной записи события с тем же идентификатором.
var ErrDuplicateEvent = errors.New("event already recorded")

// PostgresRepository хранит журнал событий в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет только чтение: записи журнала не повторяются.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Record сохраняет событие и выполняет effect в одной транзакции.
// Если effect вернул ошибку, транзакция откатывается.
func (r *PostgresRepository) Record(ctx context.Context, ev *model.Event, effect journal.Effect) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO events (id, type, actor, target, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6)
		 RETURNING seq`,
		ev.ID, string(ev.Type), ev.Actor.Bytes(), ev.Target.Bytes(), amountParam(ev.Amount), ev.At,
	).Scan(&seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, ev.ID)
		}
		return fmt.Errorf("insert event: %w", err)
	}

	if effect != nil {
		if err := effect(ctx); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	ev.Seq = seq
	return nil
}

// Events возвращает всю историю в порядке записи.
func (r *PostgresRepository) Events(ctx context.Context) ([]model.Event, error) {
	var res []model.Event
	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT seq, id, type, actor, target, amount::text, created_at
			 FROM events
			 ORDER BY seq`,
		)
		if err != nil {
			return fmt.Errorf("select events: %w", err)
		}
		res, err = scanEvents(rows)
		return err
	})
	return res, err
}

// EventsByIdentity возвращает последние limit событий, в которых участвует id, от новых к старым.
func (r *PostgresRepository) EventsByIdentity(ctx context.Context, id model.Identity, limit int) ([]model.Event, error) {
	var res []model.Event
	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT seq, id, type, actor, target, amount::text, created_at
			 FROM events
			 WHERE actor = $1 OR target = $1
			 ORDER BY seq DESC
			 LIMIT $2`,
			id.Bytes(), limit,
		)
		if err != nil {
			return fmt.Errorf("select events by identity: %w", err)
		}
		res, err = scanEvents(rows)
		return err
	})
	return res, err
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	defer rows.Close()

	var res []model.Event
	for rows.Next() {
		var (
			ev        model.Event
			id        uuid.UUID
			typ       string
			actor     []byte
			target    []byte
			amountStr *string
			createdAt time.Time
		)
		if err := rows.Scan(&ev.Seq, &id, &typ, &actor, &target, &amountStr, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		ev.ID = id
		ev.Type = model.EventType(typ)
		ev.Actor = common.BytesToAddress(actor)
		ev.Target = common.BytesToAddress(target)
		ev.At = createdAt.UTC()

		if amountStr != nil {
			amount, err := uint256.FromDecimal(*amountStr)
			if err != nil {
				return nil, fmt.Errorf("parse amount of event %d: %w", ev.Seq, err)
			}
			ev.Amount = amount
		}

		res = append(res, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func amountParam(v *uint256.Int) *string {
	if v == nil {
		return nil
	}
	s := v.Dec()
	return &s
}
