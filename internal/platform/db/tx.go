package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes the repositories translate.
const (
	CodeUniqueViolation  = "23505"
	CodeLockNotAvailable = "55P03"
)

// ErrCommit marks a failed COMMIT. The server may still have applied the
// transaction, so callers that compensate side effects must check first.
var ErrCommit = errors.New("commit transaction")

// TxFromContext returns the transaction opened by WithTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// Conn returns the ambient transaction when ctx carries one, otherwise d.
func Conn(ctx context.Context, d Querier) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return d
}

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back on error, panic or context cancellation.
// Calls nested inside an existing transaction join it.
func WithTx(ctx context.Context, d DB, fn func(ctx context.Context) error) (err error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := d.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("%w: %w", ErrCommit, cerr)
		}
	}()

	return fn(context.WithValue(ctx, DBTxKey, tx))
}

// Transactor binds WithTx to a pool so services can depend on an interface.
type Transactor struct {
	db DB
}

func NewTransactor(d DB) *Transactor {
	return &Transactor{db: d}
}

func (t *Transactor) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return WithTx(ctx, t.db, fn)
}

// IsCode reports whether err is a Postgres error with the given SQLSTATE.
func IsCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
