package sqlite

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

type connKey struct{}

// WithTransaction runs fn inside BEGIN IMMEDIATE on a pooled connection.
// The connection travels in the context handed to fn. A connection already
// carried by ctx is reused without opening a nested transaction.
func WithTransaction(ctx context.Context, p *Pool, fn func(context.Context) error) (err error) {
	if GetConn(ctx) != nil {
		return fn(ctx)
	}

	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return runWithConn(ctx, conn, fn)
}

// WithReadTransaction runs fn inside a deferred transaction, giving fn a
// consistent snapshot without taking the write lock.
func WithReadTransaction(ctx context.Context, p *Pool, fn func(context.Context) error) (err error) {
	if GetConn(ctx) != nil {
		return fn(ctx)
	}

	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)

	release := sqlitex.Save(conn)
	defer release(&err)

	return runWithConn(ctx, conn, fn)
}

func runWithConn(ctx context.Context, conn *sqlite.Conn, fn func(context.Context) error) error {
	return fn(context.WithValue(ctx, connKey{}, conn))
}

// GetConn returns the connection carried by ctx, or nil.
func GetConn(ctx context.Context) *sqlite.Conn {
	conn, _ := ctx.Value(connKey{}).(*sqlite.Conn)
	return conn
}

// IsForeignKeyViolation also matches ON DELETE RESTRICT, which SQLite
// reports as SQLITE_CONSTRAINT_TRIGGER with a FOREIGN KEY message.
func IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	switch sqlite.ErrCode(err) {
	case sqlite.ResultConstraintForeignKey:
		return true
	case sqlite.ResultConstraintTrigger:
		return strings.Contains(err.Error(), "FOREIGN KEY")
	}
	return false
}

func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	code := sqlite.ErrCode(err)
	return code == sqlite.ResultConstraintUnique || code == sqlite.ResultConstraintPrimaryKey
}
