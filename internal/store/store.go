package store

import (
	"context"
	"database/sql"
)

// Transactor is the transactional access contract of the local store.
// All reads and writes of the cache, outbox and analytics collections go
// through it so a partial write never leaves a secondary index inconsistent.
type Transactor interface {
	// ReadTx runs fn in a transaction that is always rolled back.
	ReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	// WriteTx runs fn in a transaction that commits only when fn returns nil.
	WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}
