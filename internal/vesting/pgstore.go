package vesting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgSchema creates the ledger tables. Amounts are stored as decimal
// text so arbitrary precision survives the round trip; seq preserves
// per-beneficiary insertion order.
const pgSchema = `
CREATE TABLE IF NOT EXISTS curves (
	cohort      BIGINT PRIMARY KEY,
	monthly_bps TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS grants (
	id           BYTEA PRIMARY KEY,
	seq          BIGSERIAL,
	beneficiary  TEXT NOT NULL,
	start_time   BIGINT NOT NULL,
	cohort       BIGINT NOT NULL,
	amount_total TEXT NOT NULL,
	released     TEXT NOT NULL,
	revocable    BOOLEAN NOT NULL,
	revoked      BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS grants_beneficiary_idx ON grants (beneficiary, seq);
CREATE TABLE IF NOT EXISTS ledger_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// PGStore persists the ledger in PostgreSQL. Grant mutations and the
// committed total are applied in one transaction.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to PostgreSQL and ensures the schema exists.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres:\n%w", err)
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema:\n%w", err)
	}

	return &PGStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// Curve returns the curve for a cohort, if any.
func (s *PGStore) Curve(ctx context.Context, cohort CohortID) (*UnlockCurve, bool, error) {
	var bpsJSON string

	err := s.pool.QueryRow(ctx,
		`SELECT monthly_bps FROM curves WHERE cohort = $1`, int64(cohort),
	).Scan(&bpsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query curve:\n%w", err)
	}

	var bps []uint16
	if err := json.Unmarshal([]byte(bpsJSON), &bps); err != nil {
		return nil, false, fmt.Errorf("decode curve:\n%w", err)
	}

	return &UnlockCurve{Cohort: cohort, MonthlyBps: bps}, true, nil
}

// PutCurve stores a curve.
func (s *PGStore) PutCurve(ctx context.Context, curve *UnlockCurve) error {
	bpsJSON, err := json.Marshal(curve.MonthlyBps)
	if err != nil {
		return fmt.Errorf("encode curve:\n%w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO curves (cohort, monthly_bps) VALUES ($1, $2)`,
		int64(curve.Cohort), string(bpsJSON))
	if err != nil {
		return fmt.Errorf("insert curve:\n%w", err)
	}

	return nil
}

// ForEachCurve calls fn for every stored curve, in cohort order.
func (s *PGStore) ForEachCurve(ctx context.Context, fn func(*UnlockCurve) error) error {
	rows, err := s.pool.Query(ctx, `SELECT cohort, monthly_bps FROM curves ORDER BY cohort`)
	if err != nil {
		return fmt.Errorf("query curves:\n%w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cohort  int64
			bpsJSON string
		)
		if err := rows.Scan(&cohort, &bpsJSON); err != nil {
			return fmt.Errorf("scan curve:\n%w", err)
		}

		var bps []uint16
		if err := json.Unmarshal([]byte(bpsJSON), &bps); err != nil {
			return fmt.Errorf("decode curve:\n%w", err)
		}

		if err := fn(&UnlockCurve{Cohort: CohortID(cohort), MonthlyBps: bps}); err != nil {
			return err
		}
	}

	return rows.Err()
}

// Grant returns the grant with the given id, if any.
func (s *PGStore) Grant(ctx context.Context, id GrantID) (*Grant, bool, error) {
	grant, err := scanGrant(s.pool.QueryRow(ctx,
		`SELECT id, beneficiary, start_time, cohort, amount_total, released, revocable, revoked
		 FROM grants WHERE id = $1`, id[:]))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	return grant, true, nil
}

// GrantIDs returns all ids for a beneficiary, in insertion order.
func (s *PGStore) GrantIDs(ctx context.Context, beneficiary string) ([]GrantID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM grants WHERE beneficiary = $1 ORDER BY seq`, beneficiary)
	if err != nil {
		return nil, fmt.Errorf("query beneficiary grants:\n%w", err)
	}
	defer rows.Close()

	var ids []GrantID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan grant id:\n%w", err)
		}

		var id GrantID
		if len(raw) != len(id) {
			return nil, fmt.Errorf("corrupt grant id length %d", len(raw))
		}
		copy(id[:], raw)

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// InsertGrant writes the grant and the committed total in one transaction.
func (s *PGStore) InsertGrant(ctx context.Context, grant *Grant, committed *big.Int) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO grants (id, beneficiary, start_time, cohort, amount_total, released, revocable, revoked)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			grant.ID[:], grant.Beneficiary, int64(grant.StartTime), int64(grant.Cohort),
			grant.AmountTotal.String(), grant.Released.String(), grant.Revocable, grant.Revoked)
		if err != nil {
			return fmt.Errorf("insert grant:\n%w", err)
		}

		return setCommitted(ctx, tx, committed)
	})
}

// UpdateGrant writes the grant and the committed total in one transaction.
func (s *PGStore) UpdateGrant(ctx context.Context, grant *Grant, committed *big.Int) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE grants SET released = $2, revoked = $3 WHERE id = $1`,
			grant.ID[:], grant.Released.String(), grant.Revoked)
		if err != nil {
			return fmt.Errorf("update grant:\n%w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("update grant: id %s not found", grant.ID)
		}

		return setCommitted(ctx, tx, committed)
	})
}

// Committed returns the running committed total, zero if unset.
func (s *PGStore) Committed(ctx context.Context) (*big.Int, error) {
	var value string

	err := s.pool.QueryRow(ctx,
		`SELECT value FROM ledger_meta WHERE key = 'committed'`).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query committed total:\n%w", err)
	}

	committed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt committed total %q", value)
	}

	return committed, nil
}

// ForEachGrant calls fn for every stored grant.
func (s *PGStore) ForEachGrant(ctx context.Context, fn func(*Grant) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, beneficiary, start_time, cohort, amount_total, released, revocable, revoked
		 FROM grants ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("query grants:\n%w", err)
	}
	defer rows.Close()

	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return err
		}

		if err := fn(grant); err != nil {
			return err
		}
	}

	return rows.Err()
}

// inTx runs fn inside a transaction, committing on success.
func (s *PGStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx:\n%w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// setCommitted upserts the committed total inside a transaction.
func setCommitted(ctx context.Context, tx pgx.Tx, committed *big.Int) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_meta (key, value) VALUES ('committed', $1)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		committed.String())
	if err != nil {
		return fmt.Errorf("set committed total:\n%w", err)
	}

	return nil
}

// scanGrant reads one grant row.
func scanGrant(row pgx.Row) (*Grant, error) {
	var (
		raw         []byte
		beneficiary string
		startTime   int64
		cohort      int64
		amountStr   string
		releasedStr string
		revocable   bool
		revoked     bool
	)

	if err := row.Scan(&raw, &beneficiary, &startTime, &cohort, &amountStr, &releasedStr, &revocable, &revoked); err != nil {
		return nil, err
	}

	var id GrantID
	if len(raw) != len(id) {
		return nil, fmt.Errorf("corrupt grant id length %d", len(raw))
	}
	copy(id[:], raw)

	amountTotal, ok := new(big.Int).SetString(amountStr, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt grant amount %q", amountStr)
	}

	released, ok := new(big.Int).SetString(releasedStr, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt released amount %q", releasedStr)
	}

	return &Grant{
		ID:          id,
		Beneficiary: beneficiary,
		StartTime:   uint64(startTime),
		Cohort:      CohortID(cohort),
		AmountTotal: amountTotal,
		Released:    released,
		Revocable:   revocable,
		Revoked:     revoked,
	}, nil
}
