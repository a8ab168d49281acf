package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Store provides SQLite-based persistence of engine snapshots.
type Store struct {
	db *sql.DB
}

// TokenRecord represents a token stored in the database.
type TokenRecord struct {
	Address  string
	Symbol   string
	Decimals int
}

// BalanceRecord is one vault credit. Amounts are decimal strings.
type BalanceRecord struct {
	Account string
	Token   string
	Amount  string
}

// PoolRecord represents a pool stored in the database.
type PoolRecord struct {
	Address     string
	Kind        string
	Token0      string
	Token1      string
	Reserve0    string
	Reserve1    string
	TotalSupply string
	A           uint64
	Fee         string
	PriceScale  string // empty for stable pools
	PriceOracle string // empty for stable pools
	Position    int    // registration order
}

// ShareRecord is one LP balance.
type ShareRecord struct {
	Pool   string
	Owner  string
	Amount string
}

// FactoryRecord is a factory and its whitelist flag.
type FactoryRecord struct {
	Address     string
	Kind        string
	Whitelisted bool
}

// EnteredPoolRecord is one pool an account entered through the router.
type EnteredPoolRecord struct {
	Account  string
	Pool     string
	Position int
}

// Snapshot is the full persisted view of the engine at a height.
type Snapshot struct {
	Height       uint64
	TakenAt      time.Time
	Tokens       []TokenRecord
	Balances     []BalanceRecord
	Pools        []PoolRecord
	Shares       []ShareRecord
	Factories    []FactoryRecord
	EnteredPools []EnteredPoolRecord
}

const (
	stateHeight  = "height"
	stateTakenAt = "taken_at"
)

// NewStore creates a new SQLite store and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

// migrate runs database schema migrations.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			address TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			decimals INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS balances (
			account TEXT NOT NULL,
			token TEXT NOT NULL,
			amount TEXT NOT NULL,
			PRIMARY KEY (account, token)
		)`,
		`CREATE TABLE IF NOT EXISTS pools (
			address TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			token0 TEXT NOT NULL,
			token1 TEXT NOT NULL,
			reserve0 TEXT NOT NULL DEFAULT '0',
			reserve1 TEXT NOT NULL DEFAULT '0',
			total_supply TEXT NOT NULL DEFAULT '0',
			amplification INTEGER NOT NULL,
			fee TEXT NOT NULL,
			price_scale TEXT NOT NULL DEFAULT '',
			price_oracle TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pools_tokens ON pools(token0, token1)`,
		`CREATE TABLE IF NOT EXISTS lp_balances (
			pool TEXT NOT NULL,
			owner TEXT NOT NULL,
			amount TEXT NOT NULL,
			PRIMARY KEY (pool, owner)
		)`,
		`CREATE TABLE IF NOT EXISTS factories (
			address TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			whitelisted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS entered_pools (
			account TEXT NOT NULL,
			pool TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (account, pool)
		)`,
		`CREATE TABLE IF NOT EXISTS system_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	log.Info().Msg("Database migrations completed")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot replaces the stored state with snap in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"tokens", "balances", "pools", "lp_balances", "factories", "entered_pools"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	err = insertAll(ctx, tx, `INSERT INTO tokens (address, symbol, decimals) VALUES (?, ?, ?)`,
		len(snap.Tokens), func(i int) []interface{} {
			t := snap.Tokens[i]
			return []interface{}{t.Address, t.Symbol, t.Decimals}
		})
	if err != nil {
		return fmt.Errorf("inserting tokens: %w", err)
	}

	err = insertAll(ctx, tx, `INSERT INTO balances (account, token, amount) VALUES (?, ?, ?)`,
		len(snap.Balances), func(i int) []interface{} {
			b := snap.Balances[i]
			return []interface{}{b.Account, b.Token, b.Amount}
		})
	if err != nil {
		return fmt.Errorf("inserting balances: %w", err)
	}

	err = insertAll(ctx, tx, `INSERT INTO pools (address, kind, token0, token1, reserve0, reserve1,
			total_supply, amplification, fee, price_scale, price_oracle, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		len(snap.Pools), func(i int) []interface{} {
			p := snap.Pools[i]
			return []interface{}{p.Address, p.Kind, p.Token0, p.Token1, p.Reserve0, p.Reserve1,
				p.TotalSupply, int64(p.A), p.Fee, p.PriceScale, p.PriceOracle, p.Position}
		})
	if err != nil {
		return fmt.Errorf("inserting pools: %w", err)
	}

	err = insertAll(ctx, tx, `INSERT INTO lp_balances (pool, owner, amount) VALUES (?, ?, ?)`,
		len(snap.Shares), func(i int) []interface{} {
			sh := snap.Shares[i]
			return []interface{}{sh.Pool, sh.Owner, sh.Amount}
		})
	if err != nil {
		return fmt.Errorf("inserting lp balances: %w", err)
	}

	err = insertAll(ctx, tx, `INSERT INTO factories (address, kind, whitelisted) VALUES (?, ?, ?)`,
		len(snap.Factories), func(i int) []interface{} {
			f := snap.Factories[i]
			return []interface{}{f.Address, f.Kind, f.Whitelisted}
		})
	if err != nil {
		return fmt.Errorf("inserting factories: %w", err)
	}

	err = insertAll(ctx, tx, `INSERT INTO entered_pools (account, pool, position) VALUES (?, ?, ?)`,
		len(snap.EnteredPools), func(i int) []interface{} {
			e := snap.EnteredPools[i]
			return []interface{}{e.Account, e.Pool, e.Position}
		})
	if err != nil {
		return fmt.Errorf("inserting entered pools: %w", err)
	}

	takenAt := snap.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now()
	}
	if err := setState(ctx, tx, stateHeight, strconv.FormatUint(snap.Height, 10)); err != nil {
		return err
	}
	if err := setState(ctx, tx, stateTakenAt, takenAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}

	log.Debug().
		Uint64("height", snap.Height).
		Int("balances", len(snap.Balances)).
		Int("pools", len(snap.Pools)).
		Msg("Snapshot saved")
	return nil
}

// insertAll runs one prepared insert per row.
func insertAll(ctx context.Context, tx *sql.Tx, query string, n int, row func(i int) []interface{}) error {
	if n == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, row(i)...); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func setState(ctx context.Context, db execer, key, value string) error {
	query := `INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	if _, err := db.ExecContext(ctx, query, key, value, time.Now()); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// LoadSnapshot reads back the last saved snapshot. It returns nil when
// nothing was saved yet.
func (s *Store) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	heightStr, err := s.GetSystemState(ctx, stateHeight)
	if err != nil {
		return nil, err
	}
	if heightStr == "" {
		return nil, nil
	}

	snap := &Snapshot{}
	if snap.Height, err = strconv.ParseUint(heightStr, 10, 64); err != nil {
		return nil, fmt.Errorf("parsing height: %w", err)
	}
	takenAt, err := s.GetSystemState(ctx, stateTakenAt)
	if err != nil {
		return nil, err
	}
	if takenAt != "" {
		if snap.TakenAt, err = time.Parse(time.RFC3339Nano, takenAt); err != nil {
			return nil, fmt.Errorf("parsing snapshot time: %w", err)
		}
	}

	if snap.Tokens, err = s.LoadTokens(ctx); err != nil {
		return nil, err
	}
	if snap.Balances, err = s.LoadBalances(ctx); err != nil {
		return nil, err
	}
	if snap.Pools, err = s.LoadPools(ctx); err != nil {
		return nil, err
	}
	if snap.Shares, err = s.LoadShares(ctx); err != nil {
		return nil, err
	}
	if snap.Factories, err = s.LoadFactories(ctx); err != nil {
		return nil, err
	}
	if snap.EnteredPools, err = s.LoadEnteredPools(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

// LoadTokens retrieves all tokens ordered by address.
func (s *Store) LoadTokens(ctx context.Context) ([]TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, symbol, decimals FROM tokens ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("querying tokens: %w", err)
	}
	defer rows.Close()

	var tokens []TokenRecord
	for rows.Next() {
		var t TokenRecord
		if err := rows.Scan(&t.Address, &t.Symbol, &t.Decimals); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		tokens = append(tokens, t)
	}

	return tokens, rows.Err()
}

// LoadBalances retrieves all vault balances ordered by account then token.
func (s *Store) LoadBalances(ctx context.Context) ([]BalanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account, token, amount FROM balances ORDER BY account, token`)
	if err != nil {
		return nil, fmt.Errorf("querying balances: %w", err)
	}
	defer rows.Close()

	var balances []BalanceRecord
	for rows.Next() {
		var b BalanceRecord
		if err := rows.Scan(&b.Account, &b.Token, &b.Amount); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		balances = append(balances, b)
	}

	return balances, rows.Err()
}

const poolColumns = `address, kind, token0, token1, reserve0, reserve1, total_supply,
	amplification, fee, price_scale, price_oracle, position`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPool(row scanner) (PoolRecord, error) {
	var p PoolRecord
	var a int64
	err := row.Scan(&p.Address, &p.Kind, &p.Token0, &p.Token1, &p.Reserve0, &p.Reserve1,
		&p.TotalSupply, &a, &p.Fee, &p.PriceScale, &p.PriceOracle, &p.Position)
	p.A = uint64(a)
	return p, err
}

// LoadPools retrieves all pools in registration order.
func (s *Store) LoadPools(ctx context.Context) ([]PoolRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("querying pools: %w", err)
	}
	defer rows.Close()

	var pools []PoolRecord
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		pools = append(pools, p)
	}

	return pools, rows.Err()
}

// GetPoolByAddress retrieves a pool by its address. It returns nil when
// the pool is not stored.
func (s *Store) GetPoolByAddress(ctx context.Context, address string) (*PoolRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE address = ?`, address)
	p, err := scanPool(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPoolCount returns the total number of pools.
func (s *Store) GetPoolCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pools").Scan(&count)
	return count, err
}

// LoadShares retrieves all LP balances ordered by pool then owner.
func (s *Store) LoadShares(ctx context.Context) ([]ShareRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pool, owner, amount FROM lp_balances ORDER BY pool, owner`)
	if err != nil {
		return nil, fmt.Errorf("querying lp balances: %w", err)
	}
	defer rows.Close()

	var shares []ShareRecord
	for rows.Next() {
		var sh ShareRecord
		if err := rows.Scan(&sh.Pool, &sh.Owner, &sh.Amount); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		shares = append(shares, sh)
	}

	return shares, rows.Err()
}

// LoadFactories retrieves all factories ordered by address.
func (s *Store) LoadFactories(ctx context.Context) ([]FactoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, kind, whitelisted FROM factories ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("querying factories: %w", err)
	}
	defer rows.Close()

	var factories []FactoryRecord
	for rows.Next() {
		var f FactoryRecord
		if err := rows.Scan(&f.Address, &f.Kind, &f.Whitelisted); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		factories = append(factories, f)
	}

	return factories, rows.Err()
}

// LoadEnteredPools retrieves every entered pool ordered by account then
// entry position.
func (s *Store) LoadEnteredPools(ctx context.Context) ([]EnteredPoolRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account, pool, position FROM entered_pools ORDER BY account, position`)
	if err != nil {
		return nil, fmt.Errorf("querying entered pools: %w", err)
	}
	defer rows.Close()

	var entered []EnteredPoolRecord
	for rows.Next() {
		var e EnteredPoolRecord
		if err := rows.Scan(&e.Account, &e.Pool, &e.Position); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		entered = append(entered, e)
	}

	return entered, rows.Err()
}

// SetSystemState stores a key-value pair in system state.
func (s *Store) SetSystemState(ctx context.Context, key, value string) error {
	return setState(ctx, s.db, key, value)
}

// GetSystemState retrieves a value from system state.
func (s *Store) GetSystemState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
