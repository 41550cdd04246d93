// Package storage defines the transactional persistence port the core
// consumes, with typed repositories per record kind. The SQLite adapter is
// the production implementation; Memory backs tests.
package storage

import (
	"context"
	"errors"

	"gungnir/internal/common"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Store opens transactions and serves non-transactional reads.
type Store interface {
	Begin(ctx context.Context) (Txn, error)
	View() Repos
	Close() error
}

// Txn is one transaction. Any transaction mutating a position/balance pair
// relies on the adapter providing at least snapshot isolation; the
// single-writer instrument loop preserves equivalence where the backing
// store cannot.
type Txn interface {
	Repos
	Commit() error
	Rollback() error
}

// Repos bundles the typed repositories.
type Repos interface {
	Orders() OrderRepo
	Trades() TradeRepo
	Positions() PositionRepo
	Balances() BalanceRepo
	Instruments() InstrumentRepo
	Audit() AuditRepo
}

// OrderRepo persists orders. Orders are updated in place for filled
// quantity and status.
type OrderRepo interface {
	Insert(o *common.Order) error
	Update(o *common.Order) error
	Get(id string) (*common.Order, error)
	// OpenBySymbol returns WORKING and PARTIALLY_FILLED orders for one
	// instrument, sequence ascending. Recovery rebuilds books from this.
	OpenBySymbol(symbol string) ([]*common.Order, error)
	// OpenByUser returns a user's open orders, optionally filtered by
	// account and symbol (empty string matches all).
	OpenByUser(userID, accountID, symbol string) ([]*common.Order, error)
	MaxSequence(symbol string) (uint64, error)
}

// TradeRepo is append-only.
type TradeRepo interface {
	Insert(t *common.Trade) error
	MaxSequence(symbol string) (uint64, error)
	// ListFrom returns trades with sequence > from, ascending, up to limit
	// (0 = no limit). Replay consumes this.
	ListFrom(symbol string, from uint64, limit int) ([]*common.Trade, error)
}

// PositionRepo keys positions by (accountId, instrumentSymbol), unique.
type PositionRepo interface {
	Get(accountID, symbol string) (*common.Position, error)
	Upsert(p *common.Position) error
	// OpenBySymbol returns positions with non-zero quantity.
	OpenBySymbol(symbol string) ([]*common.Position, error)
	ListByAccount(accountID string) ([]*common.Position, error)
}

// BalanceRepo keys balances by (accountId, currency), unique.
type BalanceRepo interface {
	Get(accountID, currency string) (*common.Balance, error)
	Upsert(b *common.Balance) error
}

// InstrumentRepo persists instrument definitions.
type InstrumentRepo interface {
	Insert(i *common.Instrument) error
	Update(i *common.Instrument) error
	Get(symbol string) (*common.Instrument, error)
	List() ([]*common.Instrument, error)
}

// AuditRepo is append-only.
type AuditRepo interface {
	Insert(e *common.AuditEntry) error
	List(limit int) ([]*common.AuditEntry, error)
}
