package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/utils/clock"

	"github.com/songzhibin97/dataplane-engine/types"
)

const flowTable = "edc_data_flow"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS edc_data_flow (
		id TEXT PRIMARY KEY,
		state INTEGER NOT NULL,
		state_count INTEGER NOT NULL DEFAULT 0,
		state_timestamp BIGINT NOT NULL,
		retry_at BIGINT NOT NULL DEFAULT 0,
		runtime_id TEXT NOT NULL DEFAULT '',
		flow_type TEXT NOT NULL DEFAULT '',
		payload JSONB NOT NULL,
		lease_holder TEXT,
		lease_expires_at BIGINT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS edc_data_flow_state_idx ON edc_data_flow (state, state_timestamp)`,
	`ALTER TABLE edc_data_flow ADD COLUMN IF NOT EXISTS retry_at BIGINT NOT NULL DEFAULT 0`,
}

var columns = map[string]string{
	FieldState:          "state",
	FieldRuntimeID:      "runtime_id",
	FieldFlowType:       "flow_type",
	FieldStateTimestamp: "state_timestamp",
	FieldStateCount:     "state_count",
	FieldRetryAt:        "retry_at",
}

var sqlOperators = map[string]string{
	OpEqual:    "=",
	OpNotEqual: "<>",
	OpLessThan: "<",
}

// PostgresStore keeps flows in a single table. Lease columns are compared
// against the store's clock so that expiry does not depend on server time.
type PostgresStore struct {
	pool          *pgxpool.Pool
	holder        string
	leaseDuration time.Duration
	clock         clock.PassiveClock
}

// PostgresOptions configures a PostgresStore.
type PostgresOptions struct {
	DSN           string
	Holder        string
	LeaseDuration time.Duration
	Clock         clock.PassiveClock
}

// NewPostgresStore connects, pings and migrates.
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	if opts.DSN == "" {
		return nil, errors.New("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}

	s := &PostgresStore{
		pool:          pool,
		holder:        opts.Holder,
		leaseDuration: opts.LeaseDuration,
		clock:         opts.Clock,
	}
	if s.leaseDuration <= 0 {
		s.leaseDuration = DefaultLeaseDuration
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}
	return s, nil
}

// ForHolder returns a store sharing the pool but acting for another lease holder.
func (s *PostgresStore) ForHolder(holder string) *PostgresStore {
	view := *s
	view.holder = holder
	return &view
}

// Pool returns the underlying pool so other components can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) nowMillis() int64 {
	return s.clock.Now().UnixMilli()
}

func scanFlow(row pgx.Row) (*types.DataFlow, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan flow: %w", err)
	}
	return decodeFlow(flowTable, payload)
}

func (s *PostgresStore) exists(ctx context.Context, id string) (bool, error) {
	var found bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM edc_data_flow WHERE id = $1)`, id).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check flow %s: %w", id, err)
	}
	return found, nil
}

// FindByID reads a flow without leasing it.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*types.DataFlow, error) {
	flow, err := scanFlow(s.pool.QueryRow(ctx, `SELECT payload FROM edc_data_flow WHERE id = $1`, id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: id=%s", ErrNotFound, id)
	}
	return flow, err
}

// FindByIDAndLease takes the lease with a conditional update.
func (s *PostgresStore) FindByIDAndLease(ctx context.Context, id string) (*types.DataFlow, error) {
	now := s.nowMillis()
	row := s.pool.QueryRow(ctx,
		`UPDATE edc_data_flow
		 SET lease_holder = $2, lease_expires_at = $3
		 WHERE id = $1 AND (lease_holder IS NULL OR lease_expires_at <= $4)
		 RETURNING payload`,
		id, s.holder, now+s.leaseDuration.Milliseconds(), now,
	)
	flow, err := scanFlow(row)
	if err == nil {
		return flow, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	found, existsErr := s.exists(ctx, id)
	if existsErr != nil {
		return nil, existsErr
	}
	if found {
		return nil, fmt.Errorf("%w: id=%s", ErrAlreadyLeased, id)
	}
	return nil, fmt.Errorf("%w: id=%s", ErrNotFound, id)
}

// NextNotLeased translates criteria into a WHERE clause.
func (s *PostgresStore) NextNotLeased(ctx context.Context, limit int, criteria ...Criterion) ([]*types.DataFlow, error) {
	if err := validateCriteria(criteria); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	args := []interface{}{s.nowMillis()}
	where := []string{"(lease_holder IS NULL OR lease_expires_at <= $1)"}
	for _, c := range criteria {
		var value interface{}
		if n, ok := intValue(c.Value); ok {
			value = n
		} else {
			value, _ = stringValue(c.Value)
		}
		args = append(args, value)
		where = append(where, columns[c.Field]+" "+sqlOperators[c.Operator]+" $"+strconv.Itoa(len(args)))
	}
	args = append(args, limit)

	query := `SELECT payload FROM edc_data_flow WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY state_timestamp ASC, id ASC LIMIT $` + strconv.Itoa(len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	defer rows.Close()

	var out []*types.DataFlow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, flow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flows: %w", err)
	}
	return out, nil
}

// Save upserts the flow unless another holder has a live lease on it.
func (s *PostgresStore) Save(ctx context.Context, flow *types.DataFlow) error {
	payload, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("marshal flow %s: %w", flow.ID, err)
	}
	cmd, err := s.pool.Exec(ctx,
		`INSERT INTO edc_data_flow (id, state, state_count, state_timestamp, runtime_id, flow_type, payload, retry_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   state = EXCLUDED.state,
		   state_count = EXCLUDED.state_count,
		   state_timestamp = EXCLUDED.state_timestamp,
		   retry_at = EXCLUDED.retry_at,
		   runtime_id = EXCLUDED.runtime_id,
		   flow_type = EXCLUDED.flow_type,
		   payload = EXCLUDED.payload,
		   lease_holder = NULL,
		   lease_expires_at = NULL,
		   updated_at = now()
		 WHERE edc_data_flow.lease_holder IS NULL
		    OR edc_data_flow.lease_holder = $8
		    OR edc_data_flow.lease_expires_at <= $9`,
		flow.ID, int(flow.State), flow.StateCount, flow.StateTimestamp, flow.RuntimeID,
		string(flow.TransferType.FlowType), payload, s.holder, s.nowMillis(), flow.RetryAt,
	)
	if err != nil {
		return fmt.Errorf("save flow %s: %w", flow.ID, err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: id=%s", ErrAlreadyLeased, flow.ID)
	}
	return nil
}

// BreakLease clears this holder's lease.
func (s *PostgresStore) BreakLease(ctx context.Context, id string) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE edc_data_flow SET lease_holder = NULL, lease_expires_at = NULL
		 WHERE id = $1 AND (lease_holder IS NULL OR lease_holder = $2 OR lease_expires_at <= $3)`,
		id, s.holder, s.nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("break lease %s: %w", id, err)
	}
	if cmd.RowsAffected() > 0 {
		return nil
	}
	found, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: id=%s", ErrAlreadyLeased, id)
	}
	return nil
}
