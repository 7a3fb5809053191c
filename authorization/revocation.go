package authorization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Revocation records why a flow's credentials were withdrawn. Credentials
// of the flow issued up to RevokedAt are rejected.
type Revocation struct {
	FlowID    string    `json:"flowId"`
	Reason    string    `json:"reason,omitempty"`
	RevokedAt time.Time `json:"revokedAt"`
}

// RevocationStore keeps one revocation per flow. Token services sharing a
// store honour each other's revocations.
type RevocationStore interface {
	// Revoke records rev. A later revocation replaces an earlier one.
	Revoke(ctx context.Context, rev Revocation) error

	// Lookup returns the revocation of a flow, if any.
	Lookup(ctx context.Context, flowID string) (Revocation, bool, error)
}

// MemoryRevocations is a process-local RevocationStore.
type MemoryRevocations struct {
	revoked map[string]Revocation
	mu      sync.RWMutex
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{revoked: make(map[string]Revocation)}
}

func (m *MemoryRevocations) Revoke(ctx context.Context, rev Revocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.revoked[rev.FlowID]; ok && prev.RevokedAt.After(rev.RevokedAt) {
		return nil
	}
	m.revoked[rev.FlowID] = rev
	return nil
}

func (m *MemoryRevocations) Lookup(ctx context.Context, flowID string) (Revocation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rev, ok := m.revoked[flowID]
	return rev, ok, nil
}

// Len returns the number of revoked flows.
func (m *MemoryRevocations) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.revoked)
}

const defaultRevocationPrefix = "dataflow"

// RedisRevocations keeps revocations as JSON strings that expire once every
// credential they cover has expired.
type RedisRevocations struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRevocations shares client. ttl should be at least the token TTL.
func NewRedisRevocations(client *redis.Client, prefix string, ttl time.Duration) *RedisRevocations {
	if prefix == "" {
		prefix = defaultRevocationPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &RedisRevocations{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRevocations) key(flowID string) string {
	return r.prefix + ":revocation:" + flowID
}

func (r *RedisRevocations) Revoke(ctx context.Context, rev Revocation) error {
	data, err := json.Marshal(rev)
	if err != nil {
		return fmt.Errorf("marshal revocation of %s: %w", rev.FlowID, err)
	}
	if err := r.client.Set(ctx, r.key(rev.FlowID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("store revocation of %s: %w", rev.FlowID, err)
	}
	return nil
}

func (r *RedisRevocations) Lookup(ctx context.Context, flowID string) (Revocation, bool, error) {
	data, err := r.client.Get(ctx, r.key(flowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Revocation{}, false, nil
	}
	if err != nil {
		return Revocation{}, false, fmt.Errorf("read revocation of %s: %w", flowID, err)
	}
	var rev Revocation
	if err := json.Unmarshal(data, &rev); err != nil {
		return Revocation{}, false, fmt.Errorf("decode revocation of %s: %w", flowID, err)
	}
	return rev, true, nil
}

const revocationTable = "edc_credential_revocation"

// PostgresRevocations keeps revocations in a table next to the flows.
type PostgresRevocations struct {
	pool *pgxpool.Pool
}

// NewPostgresRevocations shares pool and creates the table when missing.
func NewPostgresRevocations(ctx context.Context, pool *pgxpool.Pool) (*PostgresRevocations, error) {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS edc_credential_revocation (
		flow_id TEXT PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		revoked_at BIGINT NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("migrate %s: %w", revocationTable, err)
	}
	return &PostgresRevocations{pool: pool}, nil
}

func (p *PostgresRevocations) Revoke(ctx context.Context, rev Revocation) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO edc_credential_revocation (flow_id, reason, revoked_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (flow_id) DO UPDATE SET reason = EXCLUDED.reason, revoked_at = EXCLUDED.revoked_at
		 WHERE edc_credential_revocation.revoked_at <= EXCLUDED.revoked_at`,
		rev.FlowID, rev.Reason, rev.RevokedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store revocation of %s: %w", rev.FlowID, err)
	}
	return nil
}

func (p *PostgresRevocations) Lookup(ctx context.Context, flowID string) (Revocation, bool, error) {
	rev := Revocation{FlowID: flowID}
	var revokedAt int64
	err := p.pool.QueryRow(ctx,
		`SELECT reason, revoked_at FROM edc_credential_revocation WHERE flow_id = $1`, flowID,
	).Scan(&rev.Reason, &revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Revocation{}, false, nil
	}
	if err != nil {
		return Revocation{}, false, fmt.Errorf("read revocation of %s: %w", flowID, err)
	}
	rev.RevokedAt = time.Unix(0, revokedAt)
	return rev, true, nil
}
