package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gungnir/internal/common"
	"gungnir/internal/money"
)

// SQLite is the production storage adapter. WAL mode plus a busy timeout;
// money travels as canonical decimal strings so nothing ever rounds through
// a float column.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
// With ":memory:" every pooled connection opens its own private database and
// only the first one is migrated, so reads made while a transaction holds that
// connection find no tables.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			account_id  TEXT NOT NULL,
			symbol      TEXT NOT NULL,
			side        INTEGER NOT NULL,
			limit_price TEXT NOT NULL,
			total_qty   TEXT NOT NULL,
			filled_qty  TEXT NOT NULL,
			display_qty TEXT NOT NULL,
			tif         INTEGER NOT NULL,
			status      INTEGER NOT NULL,
			created_at  TEXT NOT NULL,
			sequence    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status);
		CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);

		CREATE TABLE IF NOT EXISTS trades (
			id             TEXT PRIMARY KEY,
			symbol         TEXT NOT NULL,
			buy_order_id   TEXT NOT NULL,
			sell_order_id  TEXT NOT NULL,
			buyer_user_id  TEXT NOT NULL,
			seller_user_id TEXT NOT NULL,
			buyer_acct     TEXT NOT NULL,
			seller_acct    TEXT NOT NULL,
			qty            TEXT NOT NULL,
			price          TEXT NOT NULL,
			ts             TEXT NOT NULL,
			sequence       INTEGER NOT NULL,
			UNIQUE(symbol, sequence)
		);

		CREATE TABLE IF NOT EXISTS positions (
			account_id TEXT NOT NULL,
			symbol     TEXT NOT NULL,
			qty        TEXT NOT NULL,
			avg_price  TEXT NOT NULL,
			realized   TEXT NOT NULL,
			unrealized TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (account_id, symbol)
		);

		CREATE TABLE IF NOT EXISTS balances (
			account_id TEXT NOT NULL,
			currency   TEXT NOT NULL,
			total      TEXT NOT NULL,
			available  TEXT NOT NULL,
			reserved   TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (account_id, currency)
		);

		CREATE TABLE IF NOT EXISTS instruments (
			symbol           TEXT PRIMARY KEY,
			min_price        TEXT NOT NULL,
			max_price        TEXT NOT NULL,
			tick_size        TEXT NOT NULL,
			lot_size         TEXT NOT NULL,
			margin_rate      TEXT NOT NULL,
			expiration       TEXT,
			active           INTEGER NOT NULL,
			settlement_price TEXT NOT NULL DEFAULT '0'
		);

		CREATE TABLE IF NOT EXISTS audit_entries (
			id             TEXT PRIMARY KEY,
			kind           TEXT NOT NULL,
			user_id        TEXT NOT NULL,
			account_id     TEXT NOT NULL,
			symbol         TEXT NOT NULL,
			detail         TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			created_at     TEXT NOT NULL
		);
	`)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx so the repositories
// serve transactional and plain reads with one implementation.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (s *SQLite) Begin(ctx context.Context) (Txn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin txn: %w", err)
	}
	return &sqliteTxn{repos: repos{q: tx}, tx: tx}, nil
}

func (s *SQLite) View() Repos { return repos{q: s.db} }

type sqliteTxn struct {
	repos
	tx *sql.Tx
}

func (t *sqliteTxn) Commit() error   { return t.tx.Commit() }
func (t *sqliteTxn) Rollback() error { return t.tx.Rollback() }

type repos struct{ q querier }

func (r repos) Orders() OrderRepo           { return orderRepo{r.q} }
func (r repos) Trades() TradeRepo           { return tradeRepo{r.q} }
func (r repos) Positions() PositionRepo     { return positionRepo{r.q} }
func (r repos) Balances() BalanceRepo       { return balanceRepo{r.q} }
func (r repos) Instruments() InstrumentRepo { return instrumentRepo{r.q} }
func (r repos) Audit() AuditRepo            { return auditRepo{r.q} }

// classify maps driver errors onto the port's sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

const timeLayout = time.RFC3339Nano

func parseMoney(s string) money.Money {
	m, err := money.FromString(s)
	if err != nil {
		return money.Zero()
	}
	return m
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// ---- orders ----------------------------------------------------------------

type orderRepo struct{ q querier }

func (r orderRepo) Insert(o *common.Order) error {
	_, err := r.q.Exec(`
		INSERT INTO orders (id, user_id, account_id, symbol, side, limit_price,
			total_qty, filled_qty, display_qty, tif, status, created_at, sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.AccountID, o.Symbol, int(o.Side), o.LimitPrice.String(),
		o.TotalQuantity.String(), o.FilledQty.String(), o.DisplayQty.String(),
		int(o.TimeInForce), int(o.Status), o.CreatedAt.Format(timeLayout), o.Sequence)
	return classify(err)
}

func (r orderRepo) Update(o *common.Order) error {
	res, err := r.q.Exec(`
		UPDATE orders SET total_qty = ?, filled_qty = ?, status = ?, sequence = ?
		WHERE id = ?`,
		o.TotalQuantity.String(), o.FilledQty.String(), int(o.Status), o.Sequence, o.ID)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

const orderColumns = `id, user_id, account_id, symbol, side, limit_price,
	total_qty, filled_qty, display_qty, tif, status, created_at, sequence`

func scanOrder(row interface{ Scan(...any) error }) (*common.Order, error) {
	var o common.Order
	var side, tif, status int
	var limitPrice, totalQty, filledQty, displayQty, createdAt string
	err := row.Scan(&o.ID, &o.UserID, &o.AccountID, &o.Symbol, &side, &limitPrice,
		&totalQty, &filledQty, &displayQty, &tif, &status, &createdAt, &o.Sequence)
	if err != nil {
		return nil, classify(err)
	}
	o.Side = common.Side(side)
	o.TimeInForce = common.TimeInForce(tif)
	o.Status = common.OrderStatus(status)
	o.LimitPrice = parseMoney(limitPrice)
	o.TotalQuantity = parseMoney(totalQty)
	o.FilledQty = parseMoney(filledQty)
	o.DisplayQty = parseMoney(displayQty)
	o.CreatedAt = parseTime(createdAt)
	return &o, nil
}

func (r orderRepo) Get(id string) (*common.Order, error) {
	return scanOrder(r.q.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
}

func (r orderRepo) queryOrders(query string, args ...any) ([]*common.Order, error) {
	rows, err := r.q.Query(query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []*common.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r orderRepo) OpenBySymbol(symbol string) ([]*common.Order, error) {
	return r.queryOrders(`SELECT `+orderColumns+` FROM orders
		WHERE symbol = ? AND status IN (?, ?) ORDER BY sequence ASC`,
		symbol, int(common.StatusWorking), int(common.StatusPartiallyFilled))
}

func (r orderRepo) OpenByUser(userID, accountID, symbol string) ([]*common.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE user_id = ? AND status IN (?, ?)`
	args := []any{userID, int(common.StatusWorking), int(common.StatusPartiallyFilled)}
	if accountID != "" {
		query += ` AND account_id = ?`
		args = append(args, accountID)
	}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY sequence ASC`
	return r.queryOrders(query, args...)
}

func (r orderRepo) MaxSequence(symbol string) (uint64, error) {
	var max uint64
	err := r.q.QueryRow(`SELECT COALESCE(MAX(sequence), 0) FROM orders WHERE symbol = ?`, symbol).Scan(&max)
	return max, classify(err)
}

// ---- trades ----------------------------------------------------------------

type tradeRepo struct{ q querier }

func (r tradeRepo) Insert(t *common.Trade) error {
	_, err := r.q.Exec(`
		INSERT INTO trades (id, symbol, buy_order_id, sell_order_id, buyer_user_id,
			seller_user_id, buyer_acct, seller_acct, qty, price, ts, sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Symbol, t.BuyOrderID, t.SellOrderID, t.BuyerUserID,
		t.SellerUserID, t.BuyerAcct, t.SellerAcct, t.Quantity.String(),
		t.Price.String(), t.Timestamp.Format(timeLayout), t.Sequence)
	return classify(err)
}

func (r tradeRepo) MaxSequence(symbol string) (uint64, error) {
	var max uint64
	err := r.q.QueryRow(`SELECT COALESCE(MAX(sequence), 0) FROM trades WHERE symbol = ?`, symbol).Scan(&max)
	return max, classify(err)
}

func (r tradeRepo) ListFrom(symbol string, from uint64, limit int) ([]*common.Trade, error) {
	query := `SELECT id, symbol, buy_order_id, sell_order_id, buyer_user_id,
		seller_user_id, buyer_acct, seller_acct, qty, price, ts, sequence
		FROM trades WHERE symbol = ? AND sequence > ? ORDER BY sequence ASC`
	args := []any{symbol, from}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.q.Query(query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []*common.Trade
	for rows.Next() {
		var t common.Trade
		var qty, price, ts string
		if err := rows.Scan(&t.ID, &t.Symbol, &t.BuyOrderID, &t.SellOrderID,
			&t.BuyerUserID, &t.SellerUserID, &t.BuyerAcct, &t.SellerAcct,
			&qty, &price, &ts, &t.Sequence); err != nil {
			return nil, err
		}
		t.Quantity = parseMoney(qty)
		t.Price = parseMoney(price)
		t.Timestamp = parseTime(ts)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ---- positions -------------------------------------------------------------

type positionRepo struct{ q querier }

func scanPosition(row interface{ Scan(...any) error }) (*common.Position, error) {
	var p common.Position
	var qty, avg, realized, unrealized, updated string
	err := row.Scan(&p.AccountID, &p.Symbol, &qty, &avg, &realized, &unrealized, &updated)
	if err != nil {
		return nil, classify(err)
	}
	p.Quantity = parseMoney(qty)
	p.AvgPrice = parseMoney(avg)
	p.RealizedPnL = parseMoney(realized)
	p.UnrealizedPnL = parseMoney(unrealized)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

func (r positionRepo) Get(accountID, symbol string) (*common.Position, error) {
	return scanPosition(r.q.QueryRow(`
		SELECT account_id, symbol, qty, avg_price, realized, unrealized, updated_at
		FROM positions WHERE account_id = ? AND symbol = ?`, accountID, symbol))
}

func (r positionRepo) Upsert(p *common.Position) error {
	_, err := r.q.Exec(`
		INSERT INTO positions (account_id, symbol, qty, avg_price, realized, unrealized, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			realized = excluded.realized,
			unrealized = excluded.unrealized,
			updated_at = excluded.updated_at`,
		p.AccountID, p.Symbol, p.Quantity.String(), p.AvgPrice.String(),
		p.RealizedPnL.String(), p.UnrealizedPnL.String(), p.UpdatedAt.Format(timeLayout))
	return classify(err)
}

func (r positionRepo) queryPositions(query string, args ...any) ([]*common.Position, error) {
	rows, err := r.q.Query(query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []*common.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r positionRepo) OpenBySymbol(symbol string) ([]*common.Position, error) {
	return r.queryPositions(`
		SELECT account_id, symbol, qty, avg_price, realized, unrealized, updated_at
		FROM positions WHERE symbol = ? AND qty != '0'`, symbol)
}

func (r positionRepo) ListByAccount(accountID string) ([]*common.Position, error) {
	return r.queryPositions(`
		SELECT account_id, symbol, qty, avg_price, realized, unrealized, updated_at
		FROM positions WHERE account_id = ?`, accountID)
}

// ---- balances --------------------------------------------------------------

type balanceRepo struct{ q querier }

func (r balanceRepo) Get(accountID, currency string) (*common.Balance, error) {
	var b common.Balance
	var total, available, reserved, updated string
	err := r.q.QueryRow(`
		SELECT account_id, currency, total, available, reserved, updated_at
		FROM balances WHERE account_id = ? AND currency = ?`, accountID, currency).
		Scan(&b.AccountID, &b.Currency, &total, &available, &reserved, &updated)
	if err != nil {
		return nil, classify(err)
	}
	b.Total = parseMoney(total)
	b.Available = parseMoney(available)
	b.Reserved = parseMoney(reserved)
	b.UpdatedAt = parseTime(updated)
	return &b, nil
}

func (r balanceRepo) Upsert(b *common.Balance) error {
	_, err := r.q.Exec(`
		INSERT INTO balances (account_id, currency, total, available, reserved, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, currency) DO UPDATE SET
			total = excluded.total,
			available = excluded.available,
			reserved = excluded.reserved,
			updated_at = excluded.updated_at`,
		b.AccountID, b.Currency, b.Total.String(), b.Available.String(),
		b.Reserved.String(), b.UpdatedAt.Format(timeLayout))
	return classify(err)
}

// ---- instruments -----------------------------------------------------------

type instrumentRepo struct{ q querier }

func (r instrumentRepo) Insert(i *common.Instrument) error {
	var expiration any
	if i.ExpirationDate != nil {
		expiration = i.ExpirationDate.Format(timeLayout)
	}
	_, err := r.q.Exec(`
		INSERT INTO instruments (symbol, min_price, max_price, tick_size, lot_size,
			margin_rate, expiration, active, settlement_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.Symbol, i.MinPrice.String(), i.MaxPrice.String(), i.TickSize.String(),
		i.LotSize.String(), i.MarginRate.String(), expiration, boolToInt(i.Active),
		i.SettlementPrice.String())
	return classify(err)
}

func (r instrumentRepo) Update(i *common.Instrument) error {
	res, err := r.q.Exec(`
		UPDATE instruments SET active = ?, settlement_price = ? WHERE symbol = ?`,
		boolToInt(i.Active), i.SettlementPrice.String(), i.Symbol)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func scanInstrument(row interface{ Scan(...any) error }) (*common.Instrument, error) {
	var i common.Instrument
	var minPrice, maxPrice, tick, lot, margin, settlement string
	var expiration sql.NullString
	var active int
	err := row.Scan(&i.Symbol, &minPrice, &maxPrice, &tick, &lot, &margin,
		&expiration, &active, &settlement)
	if err != nil {
		return nil, classify(err)
	}
	i.MinPrice = parseMoney(minPrice)
	i.MaxPrice = parseMoney(maxPrice)
	i.TickSize = parseMoney(tick)
	i.LotSize = parseMoney(lot)
	i.MarginRate = parseMoney(margin)
	i.SettlementPrice = parseMoney(settlement)
	i.Active = active != 0
	if expiration.Valid {
		t := parseTime(expiration.String)
		i.ExpirationDate = &t
	}
	return &i, nil
}

const instrumentColumns = `symbol, min_price, max_price, tick_size, lot_size,
	margin_rate, expiration, active, settlement_price`

func (r instrumentRepo) Get(symbol string) (*common.Instrument, error) {
	return scanInstrument(r.q.QueryRow(
		`SELECT `+instrumentColumns+` FROM instruments WHERE symbol = ?`, symbol))
}

func (r instrumentRepo) List() ([]*common.Instrument, error) {
	rows, err := r.q.Query(`SELECT ` + instrumentColumns + ` FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []*common.Instrument
	for rows.Next() {
		i, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ---- audit -----------------------------------------------------------------

type auditRepo struct{ q querier }

func (r auditRepo) Insert(e *common.AuditEntry) error {
	_, err := r.q.Exec(`
		INSERT INTO audit_entries (id, kind, user_id, account_id, symbol, detail,
			correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.UserID, e.AccountID, e.Symbol, e.Detail,
		e.CorrelationID, e.CreatedAt.Format(timeLayout))
	return classify(err)
}

func (r auditRepo) List(limit int) ([]*common.AuditEntry, error) {
	query := `SELECT id, kind, user_id, account_id, symbol, detail, correlation_id, created_at
		FROM audit_entries ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.q.Query(query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []*common.AuditEntry
	for rows.Next() {
		var e common.AuditEntry
		var created string
		if err := rows.Scan(&e.ID, &e.Kind, &e.UserID, &e.AccountID, &e.Symbol,
			&e.Detail, &e.CorrelationID, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
