package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/dataplane-engine/types"
)

const defaultRedisPrefix = "dataflow"

// lease acquisition: 0 = missing, 1 = leased (with payload), 2 = held elsewhere
var leaseScript = redis.NewScript(`
local data = redis.call("HGET", KEYS[1], "data")
if not data then
  return {0}
end
if redis.call("SET", KEYS[2], ARGV[1], "NX", "PX", ARGV[2]) then
  return {1, data}
end
return {2}
`)

// save: 0 = leased by another holder, 1 = written and lease released.
// Index members are scored by state timestamp.
var saveScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[2])
if holder and holder ~= ARGV[1] then
  return 0
end
local old = redis.call("HGET", KEYS[1], "state")
if old then
  redis.call("ZREM", ARGV[5] .. old, ARGV[4])
end
redis.call("HSET", KEYS[1], "data", ARGV[2], "state", ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[6], ARGV[4])
redis.call("ZADD", KEYS[4], ARGV[6], ARGV[4])
redis.call("DEL", KEYS[2])
return 1
`)

// break: 0 = leased by another holder, 1 = released or not leased
var breakScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if not holder then
  return 1
end
if holder == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

// minRedisPage is the smallest number of index entries read per round trip.
const minRedisPage = 32

// RedisStore is a Redis-backed implementation of the Store interface.
// Flows live in hashes and leases are keys with a TTL. Sorted sets scored by
// state timestamp index all flows and the flows of each state.
type RedisStore struct {
	client        *redis.Client
	prefix        string
	holder        string
	leaseDuration time.Duration
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr          string
	Password      string
	DB            int
	PoolSize      int
	MinIdleConns  int
	IdleTimeout   time.Duration
	Prefix        string
	Holder        string
	LeaseDuration time.Duration
}

// NewRedisStore creates a new RedisStore instance with configurable options.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	leaseDuration := opts.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	return &RedisStore{
		client:        client,
		prefix:        prefix,
		holder:        opts.Holder,
		leaseDuration: leaseDuration,
	}, nil
}

// ForHolder returns a store sharing the client but acting for another lease holder.
func (s *RedisStore) ForHolder(holder string) *RedisStore {
	view := *s
	view.holder = holder
	return &view
}

func (s *RedisStore) flowKey(id string) string  { return s.prefix + ":flow:" + id }
func (s *RedisStore) leaseKey(id string) string { return s.prefix + ":lease:" + id }
func (s *RedisStore) idsKey() string            { return s.prefix + ":ids" }
func (s *RedisStore) statePrefix() string       { return s.prefix + ":state:" }

func (s *RedisStore) stateKey(state types.State) string {
	return s.statePrefix() + strconv.Itoa(int(state))
}

func decodeFlow(key string, data []byte) (*types.DataFlow, error) {
	var flow types.DataFlow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &flow, nil
}

// FindByID retrieves a flow from Redis without leasing it.
func (s *RedisStore) FindByID(ctx context.Context, id string) (*types.DataFlow, error) {
	return withContext(ctx, func() (*types.DataFlow, error) {
		key := s.flowKey(id)
		data, err := s.client.HGet(ctx, key, "data").Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return nil, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}
		return decodeFlow(key, data)
	})
}

// FindByIDAndLease atomically checks for the flow and places this holder's lease on it.
func (s *RedisStore) FindByIDAndLease(ctx context.Context, id string) (*types.DataFlow, error) {
	return withContext(ctx, func() (*types.DataFlow, error) {
		key := s.flowKey(id)
		res, err := leaseScript.Run(ctx, s.client,
			[]string{key, s.leaseKey(id)},
			s.holder, s.leaseDuration.Milliseconds(),
		).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to lease %s: %w", key, err)
		}
		values, ok := res.([]interface{})
		if !ok || len(values) == 0 {
			return nil, fmt.Errorf("unexpected lease reply for %s: %v", key, res)
		}
		code, _ := values[0].(int64)
		switch code {
		case 0:
			return nil, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		case 2:
			return nil, fmt.Errorf("%w: key=%s", ErrAlreadyLeased, key)
		}
		data, _ := values[1].(string)
		return decodeFlow(key, []byte(data))
	})
}

// NextNotLeased walks the candidate index oldest first, one page at a time,
// until limit unleased flows matched or the index is exhausted. A state
// timestamp bound narrows the score range.
func (s *RedisStore) NextNotLeased(ctx context.Context, limit int, criteria ...Criterion) ([]*types.DataFlow, error) {
	if err := validateCriteria(criteria); err != nil {
		return nil, err
	}
	return withContext(ctx, func() ([]*types.DataFlow, error) {
		if limit <= 0 {
			return nil, nil
		}
		index, maxScore := s.idsKey(), "+inf"
		for _, c := range criteria {
			switch {
			case c.Field == FieldState && c.Operator == OpEqual:
				code, _ := intValue(c.Value)
				index = s.stateKey(types.State(code))
			case c.Field == FieldStateTimestamp && c.Operator == OpLessThan:
				ts, _ := intValue(c.Value)
				maxScore = "(" + strconv.FormatInt(ts, 10)
			}
		}

		page := int64(max(2*limit, minRedisPage))
		var out []*types.DataFlow
		for offset := int64(0); len(out) < limit; offset += page {
			ids, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{
				Min:    "-inf",
				Max:    maxScore,
				Offset: offset,
				Count:  page,
			}).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read index %s: %w", index, err)
			}
			flows, err := s.unleased(ctx, ids)
			if err != nil {
				return nil, err
			}
			for _, flow := range flows {
				if matchesAll(flow, criteria) {
					out = append(out, flow)
				}
			}
			if int64(len(ids)) < page {
				break
			}
		}
		return sortAndLimit(out, limit), nil
	})
}

// unleased loads the flows among ids that carry no lease.
func (s *RedisStore) unleased(ctx context.Context, ids []string) ([]*types.DataFlow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	leases := make([]*redis.IntCmd, len(ids))
	payloads := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		leases[i] = pipe.Exists(ctx, s.leaseKey(id))
		payloads[i] = pipe.HGet(ctx, s.flowKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to execute pipeline: %w", err)
	}

	flows := make([]*types.DataFlow, 0, len(ids))
	for i, id := range ids {
		if leases[i].Val() > 0 {
			continue
		}
		data, err := payloads[i].Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("failed to get %s: %w", s.flowKey(id), err)
		}
		flow, err := decodeFlow(s.flowKey(id), data)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, nil
}

// Save writes the flow, moves it between state indexes and releases the lease.
func (s *RedisStore) Save(ctx context.Context, flow *types.DataFlow) error {
	return withContextError(ctx, func() error {
		key := s.flowKey(flow.ID)
		data, err := json.Marshal(flow)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		res, err := saveScript.Run(ctx, s.client,
			[]string{key, s.leaseKey(flow.ID), s.stateKey(flow.State), s.idsKey()},
			s.holder, data, int(flow.State), flow.ID, s.statePrefix(), flow.StateTimestamp,
		).Int()
		if err != nil {
			return fmt.Errorf("failed to save %s in Redis: %w", key, err)
		}
		if res == 0 {
			return fmt.Errorf("%w: key=%s", ErrAlreadyLeased, key)
		}
		return nil
	})
}

// BreakLease releases this holder's lease on id.
func (s *RedisStore) BreakLease(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		key := s.leaseKey(id)
		res, err := breakScript.Run(ctx, s.client, []string{key}, s.holder).Int()
		if err != nil {
			return fmt.Errorf("failed to break lease %s: %w", key, err)
		}
		if res == 0 {
			return fmt.Errorf("%w: key=%s", ErrAlreadyLeased, key)
		}
		return nil
	})
}

// Client returns the underlying client so other components can share the pool.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
