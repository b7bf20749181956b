package step

import (
	"context"
	"database/sql"

	"golang.org/x/xerrors"
)

// Tx is a transaction scoping one tasklet invocation or one chunk.
type Tx interface {
	Commit() error
	Rollback() error
}

// TxManager is implemented by types that can start transactions. The
// returned context carries the transaction so that readers and writers can
// enlist in it.
type TxManager interface {
	Begin(context.Context) (context.Context, Tx, error)
}

// NopTxManager starts transactions that do nothing on commit or rollback.
type NopTxManager struct{}

// Begin implements TxManager.
func (NopTxManager) Begin(ctx context.Context) (context.Context, Tx, error) {
	return ctx, nopTx{}, nil
}

type nopTx struct{}

func (nopTx) Commit() error   { return nil }
func (nopTx) Rollback() error { return nil }

type sqlTxKey struct{}

// SQLTxManager starts database/sql transactions.
type SQLTxManager struct {
	DB *sql.DB

	// Optional transaction options.
	Options *sql.TxOptions
}

// Begin implements TxManager.
func (m SQLTxManager) Begin(ctx context.Context) (context.Context, Tx, error) {
	tx, err := m.DB.BeginTx(ctx, m.Options)
	if err != nil {
		return nil, nil, xerrors.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, sqlTxKey{}, tx), tx, nil
}

// SQLTxFromContext returns the transaction started by a SQLTxManager for the
// current chunk or tasklet invocation.
func SQLTxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(sqlTxKey{}).(*sql.Tx)
	return tx, ok
}
