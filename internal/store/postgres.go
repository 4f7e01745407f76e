package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pointex/exchange/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// engine transactions rely on SELECT ... FOR UPDATE row locks.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// schema is applied idempotently at startup.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         BIGSERIAL PRIMARY KEY,
	username   TEXT NOT NULL UNIQUE,
	points     NUMERIC NOT NULL DEFAULT 1000
);

CREATE TABLE IF NOT EXISTS markets (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	b          NUMERIC NOT NULL DEFAULT 20,
	amm_points NUMERIC NOT NULL DEFAULT 10000,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved   BOOLEAN NOT NULL DEFAULT FALSE,
	outcome    BOOLEAN,
	settled_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS amms (
	id        BIGSERIAL PRIMARY KEY,
	market_id BIGINT NOT NULL UNIQUE REFERENCES markets(id),
	points    NUMERIC NOT NULL DEFAULT 10000,
	q_yes     NUMERIC NOT NULL DEFAULT 0,
	q_no      NUMERIC NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS clearing_houses (
	id        BIGSERIAL PRIMARY KEY,
	market_id BIGINT NOT NULL UNIQUE REFERENCES markets(id),
	points    NUMERIC NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS positions (
	id        BIGSERIAL PRIMARY KEY,
	market_id BIGINT NOT NULL REFERENCES markets(id),
	user_id   BIGINT NOT NULL REFERENCES users(id),
	q_yes     NUMERIC NOT NULL DEFAULT 0,
	q_no      NUMERIC NOT NULL DEFAULT 0,
	UNIQUE (market_id, user_id)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id        UUID PRIMARY KEY,
	market_id BIGINT NOT NULL REFERENCES markets(id),
	user_id   BIGINT NOT NULL REFERENCES users(id),
	ts        TIMESTAMPTZ NOT NULL,
	reason    TEXT NOT NULL,
	delta     NUMERIC NOT NULL,
	side      TEXT NOT NULL,
	amount    NUMERIC
);
CREATE INDEX IF NOT EXISTS idx_ledger_market ON ledger_entries (market_id, ts);
CREATE INDEX IF NOT EXISTS idx_ledger_user   ON ledger_entries (user_id, ts);
`

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// WithTx runs fn in a single transaction, rolling back on error.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Plain reads (no locks) ---

const marketColumns = `id, name, b::TEXT, amm_points::TEXT, created_at, resolved, outcome, settled_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var b, ammPoints string
	if err := row.Scan(&m.ID, &m.Name, &b, &ammPoints, &m.CreatedAt, &m.Resolved, &m.Outcome, &m.SettledAt); err != nil {
		return nil, mapErr(err)
	}
	m.B = mustDecimal(b)
	m.AMMPoints = mustDecimal(ammPoints)
	return &m, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT id, username, points::TEXT FROM users WHERE username = $1`, username))
}

func (s *PostgresStore) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	return scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
}

func (s *PostgresStore) GetMarketByName(ctx context.Context, name string) (*model.Market, error) {
	return scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE name = $1`, name))
}

func (s *PostgresStore) GetAMM(ctx context.Context, marketID int64) (*model.AMM, error) {
	return scanAMM(s.pool.QueryRow(ctx,
		`SELECT id, market_id, points::TEXT, q_yes::TEXT, q_no::TEXT FROM amms WHERE market_id = $1`, marketID))
}

func (s *PostgresStore) ListOpenMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE resolved = FALSE ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) ListUserPositions(ctx context.Context, userID int64) ([]model.PositionDetail, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.id, p.market_id, p.user_id, p.q_yes::TEXT, p.q_no::TEXT,
		        m.name, m.b::TEXT, m.resolved,
		        a.q_yes::TEXT, a.q_no::TEXT
		 FROM positions p
		 JOIN markets m ON m.id = p.market_id
		 JOIN amms a    ON a.market_id = p.market_id
		 WHERE p.user_id = $1
		 ORDER BY p.market_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var details []model.PositionDetail
	for rows.Next() {
		var d model.PositionDetail
		var pQYes, pQNo, b, aQYes, aQNo string
		if err := rows.Scan(&d.ID, &d.MarketID, &d.UserID, &pQYes, &pQNo,
			&d.MarketName, &b, &d.Resolved, &aQYes, &aQNo); err != nil {
			return nil, err
		}
		d.QYes = mustDecimal(pQYes)
		d.QNo = mustDecimal(pQNo)
		d.B = mustDecimal(b)
		d.AMMQYes = mustDecimal(aQYes)
		d.AMMQNo = mustDecimal(aQNo)
		details = append(details, d)
	}
	return details, rows.Err()
}

func (s *PostgresStore) ListLedgerByMarket(ctx context.Context, marketID int64) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, user_id, ts, reason, delta::TEXT, side, amount::TEXT
		 FROM ledger_entries WHERE market_id = $1 ORDER BY ts`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var delta string
		var amount *string
		if err := rows.Scan(&e.ID, &e.MarketID, &e.UserID, &e.Timestamp, &e.Reason, &delta, &e.Side, &amount); err != nil {
			return nil, err
		}
		e.Delta = mustDecimal(delta)
		if amount != nil {
			a := mustDecimal(*amount)
			e.Amount = &a
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Transaction ---

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetUserForUpdate(ctx context.Context, username string) (*model.User, error) {
	return scanUser(t.tx.QueryRow(ctx,
		`SELECT id, username, points::TEXT FROM users WHERE username = $1 FOR UPDATE`, username))
}

func (t *pgTx) GetUserByIDForUpdate(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(t.tx.QueryRow(ctx,
		`SELECT id, username, points::TEXT FROM users WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) CreateUser(ctx context.Context, username string, points decimal.Decimal) (*model.User, error) {
	// ON CONFLICT DO UPDATE returns (and locks) the existing row when a
	// concurrent transaction created the user first.
	return scanUser(t.tx.QueryRow(ctx,
		`INSERT INTO users (username, points) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
		 RETURNING id, username, points::TEXT`,
		username, points.String()))
}

func (t *pgTx) SaveUser(ctx context.Context, u *model.User) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE users SET points = $2::NUMERIC WHERE id = $1`, u.ID, u.Points.String())
	return err
}

func (t *pgTx) GetMarketByName(ctx context.Context, name string) (*model.Market, error) {
	return scanMarket(t.tx.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE name = $1`, name))
}

func (t *pgTx) CreateMarket(ctx context.Context, m *model.Market) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO markets (name, b, amm_points, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 RETURNING id`,
		m.Name, m.B.String(), m.AMMPoints.String(), m.CreatedAt).Scan(&m.ID)
	return mapErr(err)
}

func (t *pgTx) SaveMarket(ctx context.Context, m *model.Market) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE markets
		 SET amm_points = $2::NUMERIC, resolved = $3, outcome = $4, settled_at = $5
		 WHERE id = $1`,
		m.ID, m.AMMPoints.String(), m.Resolved, m.Outcome, m.SettledAt)
	return err
}

func (t *pgTx) MarketBundleForUpdate(ctx context.Context, marketID int64) (*model.Market, *model.AMM, *model.ClearingHouse, error) {
	var m model.Market
	var a model.AMM
	var c model.ClearingHouse
	var b, ammPoints, aPoints, aQYes, aQNo, cPoints string

	err := t.tx.QueryRow(ctx,
		`SELECT m.id, m.name, m.b::TEXT, m.amm_points::TEXT, m.created_at, m.resolved, m.outcome, m.settled_at,
		        a.id, a.market_id, a.points::TEXT, a.q_yes::TEXT, a.q_no::TEXT,
		        c.id, c.market_id, c.points::TEXT
		 FROM markets m
		 JOIN amms a            ON a.market_id = m.id
		 JOIN clearing_houses c ON c.market_id = m.id
		 WHERE m.id = $1
		 FOR UPDATE OF m, a, c`, marketID).
		Scan(&m.ID, &m.Name, &b, &ammPoints, &m.CreatedAt, &m.Resolved, &m.Outcome, &m.SettledAt,
			&a.ID, &a.MarketID, &aPoints, &aQYes, &aQNo,
			&c.ID, &c.MarketID, &cPoints)
	if err != nil {
		return nil, nil, nil, mapErr(err)
	}

	m.B = mustDecimal(b)
	m.AMMPoints = mustDecimal(ammPoints)
	a.Points = mustDecimal(aPoints)
	a.QYes = mustDecimal(aQYes)
	a.QNo = mustDecimal(aQNo)
	c.Points = mustDecimal(cPoints)
	return &m, &a, &c, nil
}

func (t *pgTx) CreateAMM(ctx context.Context, a *model.AMM) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO amms (market_id, points, q_yes, q_no)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC)
		 RETURNING id`,
		a.MarketID, a.Points.String(), a.QYes.String(), a.QNo.String()).Scan(&a.ID)
	return mapErr(err)
}

func (t *pgTx) SaveAMM(ctx context.Context, a *model.AMM) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE amms SET points = $2::NUMERIC, q_yes = $3::NUMERIC, q_no = $4::NUMERIC
		 WHERE market_id = $1`,
		a.MarketID, a.Points.String(), a.QYes.String(), a.QNo.String())
	return err
}

func (t *pgTx) CreateClearingHouse(ctx context.Context, c *model.ClearingHouse) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO clearing_houses (market_id, points) VALUES ($1, $2::NUMERIC)
		 RETURNING id`,
		c.MarketID, c.Points.String()).Scan(&c.ID)
	return mapErr(err)
}

func (t *pgTx) SaveClearingHouse(ctx context.Context, c *model.ClearingHouse) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE clearing_houses SET points = $2::NUMERIC WHERE market_id = $1`,
		c.MarketID, c.Points.String())
	return err
}

func (t *pgTx) GetPositionForUpdate(ctx context.Context, userID, marketID int64) (*model.Position, error) {
	return scanPosition(t.tx.QueryRow(ctx,
		`SELECT id, market_id, user_id, q_yes::TEXT, q_no::TEXT
		 FROM positions WHERE user_id = $1 AND market_id = $2 FOR UPDATE`,
		userID, marketID))
}

func (t *pgTx) CreatePosition(ctx context.Context, p *model.Position) error {
	got, err := scanPosition(t.tx.QueryRow(ctx,
		`INSERT INTO positions (market_id, user_id, q_yes, q_no)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (market_id, user_id) DO UPDATE SET market_id = EXCLUDED.market_id
		 RETURNING id, market_id, user_id, q_yes::TEXT, q_no::TEXT`,
		p.MarketID, p.UserID, p.QYes.String(), p.QNo.String()))
	if err != nil {
		return err
	}
	*p = *got
	return nil
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE positions SET q_yes = $3::NUMERIC, q_no = $4::NUMERIC
		 WHERE user_id = $1 AND market_id = $2`,
		p.UserID, p.MarketID, p.QYes.String(), p.QNo.String())
	return err
}

func (t *pgTx) ListMarketPositions(ctx context.Context, marketID int64) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, market_id, user_id, q_yes::TEXT, q_no::TEXT
		 FROM positions WHERE market_id = $1 ORDER BY id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	var amount *string
	if e.Amount != nil {
		s := e.Amount.String()
		amount = &s
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, market_id, user_id, ts, reason, delta, side, amount)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC)`,
		e.ID, e.MarketID, e.UserID, e.Timestamp, e.Reason, e.Delta.String(), e.Side, amount)
	return err
}

// --- Scan helpers ---

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var points string
	if err := row.Scan(&u.ID, &u.Username, &points); err != nil {
		return nil, mapErr(err)
	}
	u.Points = mustDecimal(points)
	return &u, nil
}

func scanAMM(row pgx.Row) (*model.AMM, error) {
	var a model.AMM
	var points, qYes, qNo string
	if err := row.Scan(&a.ID, &a.MarketID, &points, &qYes, &qNo); err != nil {
		return nil, mapErr(err)
	}
	a.Points = mustDecimal(points)
	a.QYes = mustDecimal(qYes)
	a.QNo = mustDecimal(qNo)
	return &a, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var qYes, qNo string
	if err := row.Scan(&p.ID, &p.MarketID, &p.UserID, &qYes, &qNo); err != nil {
		return nil, mapErr(err)
	}
	p.QYes = mustDecimal(qYes)
	p.QNo = mustDecimal(qNo)
	return &p, nil
}

// mustDecimal parses NUMERIC::TEXT output; the database guarantees validity.
func mustDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

// PoolOptions tunes the pgx connection pool for long-lived deployments
// behind a pooled database.
type PoolOptions struct {
	PoolSize    int32
	MaxOverflow int32
	Recycle     time.Duration
	PrePing     bool
}

// NewPool builds a pgx pool from a connection string and pool options.
func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.PoolSize > 0 {
		cfg.MinConns = opts.PoolSize
		cfg.MaxConns = opts.PoolSize + opts.MaxOverflow
	}
	if opts.Recycle > 0 {
		cfg.MaxConnLifetime = opts.Recycle
	}
	if opts.PrePing {
		cfg.HealthCheckPeriod = time.Minute
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}
