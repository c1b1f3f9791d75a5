package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mailtriage/internal/classify"
)

// Hash fields of a message record.
const (
	fieldID                = "id"
	fieldSubject           = "subject"
	fieldBody              = "body"
	fieldTicketID          = "ticket_id"
	fieldPriority          = "priority"
	fieldAnalyzed          = "analyzed"
	fieldClaimed           = "claimed"
	fieldClaimToken        = "claim_token"
	fieldClaimExpiresAt    = "claim_expires_at"
	fieldRetryCount        = "retry_count"
	fieldMaxRetries        = "max_retries"
	fieldDeadLettered      = "dead_lettered"
	fieldLastError         = "last_error"
	fieldPriorityUpdatedAt = "priority_updated_at"
	fieldDeadLetteredAt    = "dead_lettered_at"
	fieldCreatedAt         = "created_at"
)

// claimScript: KEYS[1]=message ARGV[1]=token ARGV[2]=now ms ARGV[3]=expiry ms.
// Returns -1 when missing, 0 when not claimable, 1 when claimed.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'dead_lettered') == '1' then return 0 end
if redis.call('HGET', KEYS[1], 'claimed') == '1' then
  local exp = tonumber(redis.call('HGET', KEYS[1], 'claim_expires_at') or '0')
  if exp > tonumber(ARGV[2]) then return 0 end
end
redis.call('HSET', KEYS[1], 'claimed', '1', 'claim_token', ARGV[1], 'claim_expires_at', ARGV[3])
return 1
`)

// releaseScript: KEYS[1]=message ARGV[1]=token.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'claim_token') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'claimed', '0')
redis.call('HDEL', KEYS[1], 'claim_token', 'claim_expires_at')
return 1
`)

// saveAnalysisScript: KEYS[1]=message KEYS[2]=open index KEYS[3]=stats [KEYS[4]=ticket]
// ARGV[1]=priority ARGV[2]=at ms ARGV[3]=message id.
var saveAnalysisScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'dead_lettered') == '1' then return 0 end
local first = redis.call('HGET', KEYS[1], 'analyzed') ~= '1'
redis.call('HSET', KEYS[1], 'priority', ARGV[1], 'priority_updated_at', ARGV[2], 'analyzed', '1')
redis.call('ZREM', KEYS[2], ARGV[3])
if first then redis.call('HINCRBY', KEYS[3], 'analyzed', 1) end
if #KEYS > 3 and redis.call('EXISTS', KEYS[4]) == 1 then
  redis.call('HSET', KEYS[4], 'priority', ARGV[1], 'priority_updated_at', ARGV[2], 'analyzed', '1')
end
return 1
`)

// incrementRetryScript: KEYS[1]=message KEYS[2]=open index KEYS[3]=stats
// ARGV[1]=error ARGV[2]=default budget ARGV[3]=at ms ARGV[4]=message id.
// Returns {retry_count, max_retries, dead_lettered}. Reaching the budget
// dead-letters the message in the same step unless it is already analyzed.
var incrementRetryScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1, 0, 0} end
local n = redis.call('HINCRBY', KEYS[1], 'retry_count', 1)
redis.call('HSET', KEYS[1], 'last_error', ARGV[1])
local max = tonumber(redis.call('HGET', KEYS[1], 'max_retries') or ARGV[2])
if redis.call('HGET', KEYS[1], 'dead_lettered') == '1' then return {n, max, 1} end
if n < max or redis.call('HGET', KEYS[1], 'analyzed') == '1' then return {n, max, 0} end
redis.call('HSET', KEYS[1], 'dead_lettered', '1', 'dead_lettered_at', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('HINCRBY', KEYS[3], 'dead_lettered', 1)
return {n, max, 1}
`)

// findEligibleScript walks the open index oldest first, reading at most
// ARGV[5] entries. Message keys are derived from ids inside the script, so
// it needs a standalone Redis (or all keys in one slot).
// KEYS[1]=open index ARGV[1]=now ms ARGV[2]=limit ARGV[3]=message key prefix
// ARGV[4]=default budget ARGV[5]=scan budget.
var findEligibleScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local budget = tonumber(ARGV[5])
local out = {}
local offset = 0
local chunk = 200
while #out < limit and offset < budget do
  local stop = math.min(offset + chunk, budget) - 1
  local ids = redis.call('ZRANGE', KEYS[1], offset, stop)
  if #ids == 0 then break end
  for _, id in ipairs(ids) do
    local f = redis.call('HMGET', ARGV[3] .. id, 'priority', 'analyzed', 'claimed',
      'claim_expires_at', 'dead_lettered', 'retry_count', 'max_retries')
    if f[1] == 'pending' and f[2] ~= '1' and f[5] ~= '1' then
      local free = f[3] ~= '1' or tonumber(f[4] or '0') <= now
      local retries = tonumber(f[6] or '0')
      local max = tonumber(f[7] or ARGV[4])
      if free and retries < max then
        out[#out + 1] = id
        if #out >= limit then break end
      end
    end
  end
  offset = offset + chunk
end
return out
`)

// DefaultScanBudget caps how many open-index entries one FindEligible call
// inspects.
const DefaultScanBudget = 10000

// RedisStore keeps each record in a hash and an index of open messages in a
// sorted set scored by creation time. Scripts touch keys they derive from
// ids, so only standalone Redis is supported, not Redis Cluster.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	// scanBudget bounds the open-index walk of FindEligible.
	scanBudget int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr string, db int, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreFromClient(rdb, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "triage"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, scanBudget: DefaultScanBudget}
}

func (s *RedisStore) messagePrefix() string      { return s.prefix + ":message:" }
func (s *RedisStore) messageKey(id string) string { return s.messagePrefix() + id }
func (s *RedisStore) ticketKey(id string) string  { return s.prefix + ":ticket:" + id }
func (s *RedisStore) openKey() string             { return s.prefix + ":messages:open" }
func (s *RedisStore) statsKey() string            { return s.prefix + ":stats" }

// CreateMessage writes a new pending message and indexes it.
func (s *RedisStore) CreateMessage(ctx context.Context, m *Message) error {
	prepareNew(m)

	key := s.messageKey(m.ID)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check message %s: %w", m.ID, err)
	}
	if n > 0 {
		return fmt.Errorf("message %s already exists", m.ID)
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, map[string]interface{}{
			fieldID:           m.ID,
			fieldSubject:      m.Subject,
			fieldBody:         m.Body,
			fieldTicketID:     m.TicketID,
			fieldPriority:     string(m.Priority),
			fieldAnalyzed:     "0",
			fieldClaimed:      "0",
			fieldDeadLettered: "0",
			fieldRetryCount:   m.RetryCount,
			fieldMaxRetries:   m.MaxRetries,
			fieldCreatedAt:    m.CreatedAt.UnixMilli(),
		})
		p.ZAdd(ctx, s.openKey(), redis.Z{Score: float64(m.CreatedAt.UnixMilli()), Member: m.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create message %s: %w", m.ID, err)
	}
	return nil
}

// EnsureTicket creates an empty pending ticket unless one exists.
func (s *RedisStore) EnsureTicket(ctx context.Context, id string) error {
	key := s.ticketKey(id)
	if err := s.rdb.HSetNX(ctx, key, fieldID, id).Err(); err != nil {
		return fmt.Errorf("failed to ensure ticket %s: %w", id, err)
	}
	if err := s.rdb.HSetNX(ctx, key, fieldPriority, string(classify.LevelPending)).Err(); err != nil {
		return fmt.Errorf("failed to ensure ticket %s: %w", id, err)
	}
	return nil
}

// GetMessage loads a message by id.
func (s *RedisStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	fields, err := s.rdb.HGetAll(ctx, s.messageKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return messageFromHash(fields)
}

// GetTicket loads a ticket by id.
func (s *RedisStore) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	fields, err := s.rdb.HGetAll(ctx, s.ticketKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	t := &Ticket{
		ID:       fields[fieldID],
		Priority: classify.Level(fields[fieldPriority]),
		Analyzed: fields[fieldAnalyzed] == "1",
	}
	if t.PriorityUpdatedAt, err = parseMillis(fields[fieldPriorityUpdatedAt]); err != nil {
		return nil, fmt.Errorf("invalid ticket %s: %w", id, err)
	}
	return t, nil
}

// TryClaim runs the claim as a single Lua script.
func (s *RedisStore) TryClaim(ctx context.Context, id, token string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := claimScript.Run(ctx, s.rdb,
		[]string{s.messageKey(id)},
		token, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to claim message %s: %w", id, err)
	}
	if res < 0 {
		return false, ErrNotFound
	}
	return res == 1, nil
}

// Release clears the claim held under token.
func (s *RedisStore) Release(ctx context.Context, id, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, s.rdb, []string{s.messageKey(id)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release message %s: %w", id, err)
	}
	return res == 1, nil
}

// SaveAnalysis stores the priority on the message and its ticket.
func (s *RedisStore) SaveAnalysis(ctx context.Context, id, ticketID string, level classify.Level, at time.Time) error {
	keys := []string{s.messageKey(id), s.openKey(), s.statsKey()}
	if ticketID != "" {
		keys = append(keys, s.ticketKey(ticketID))
	}

	res, err := saveAnalysisScript.Run(ctx, s.rdb, keys, string(level), at.UnixMilli(), id).Int()
	if err != nil {
		return fmt.Errorf("failed to save analysis for message %s: %w", id, err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return fmt.Errorf("message %s is dead-lettered", id)
	}
	return nil
}

// IncrementRetry bumps the retry count and dead-letters the message once the
// budget is used up.
func (s *RedisStore) IncrementRetry(ctx context.Context, id, errMsg string, at time.Time) (RetryState, error) {
	vals, err := incrementRetryScript.Run(ctx, s.rdb,
		[]string{s.messageKey(id), s.openKey(), s.statsKey()},
		errMsg, DefaultMaxRetries, at.UnixMilli(), id,
	).Int64Slice()
	if err != nil {
		return RetryState{}, fmt.Errorf("failed to increment retry for message %s: %w", id, err)
	}
	if len(vals) != 3 {
		return RetryState{}, fmt.Errorf("unexpected retry reply for message %s: %v", id, vals)
	}
	if vals[0] < 0 {
		return RetryState{}, ErrNotFound
	}
	return RetryState{RetryCount: int(vals[0]), MaxRetries: int(vals[1]), DeadLettered: vals[2] == 1}, nil
}

// FindEligible returns the oldest open messages that are ready for work.
func (s *RedisStore) FindEligible(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := findEligibleScript.Run(ctx, s.rdb,
		[]string{s.openKey()}, now.UnixMilli(), limit, s.messagePrefix(), DefaultMaxRetries, s.scanBudget,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to find eligible messages: %w", err)
	}
	return ids, nil
}

// Stats reports open, analyzed and dead-lettered counts.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var open *redis.IntCmd
	var counters *redis.MapStringStringCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		open = p.ZCard(ctx, s.openKey())
		counters = p.HGetAll(ctx, s.statsKey())
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}

	c := counters.Val()
	analyzed, _ := strconv.ParseInt(c["analyzed"], 10, 64)
	dead, _ := strconv.ParseInt(c["dead_lettered"], 10, 64)
	return Stats{Open: open.Val(), Analyzed: analyzed, DeadLettered: dead}, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func prepareNew(m *Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.MaxRetries <= 0 {
		m.MaxRetries = DefaultMaxRetries
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.Priority = classify.LevelPending
	m.Analyzed = false
	m.Claimed = false
	m.DeadLettered = false
}

func messageFromHash(f map[string]string) (*Message, error) {
	m := &Message{
		ID:           f[fieldID],
		Subject:      f[fieldSubject],
		Body:         f[fieldBody],
		TicketID:     f[fieldTicketID],
		Priority:     classify.Level(f[fieldPriority]),
		Analyzed:     f[fieldAnalyzed] == "1",
		Claimed:      f[fieldClaimed] == "1",
		DeadLettered: f[fieldDeadLettered] == "1",
		ClaimToken:   f[fieldClaimToken],
		LastError:    f[fieldLastError],
		MaxRetries:   DefaultMaxRetries,
	}

	var err error
	if v := f[fieldRetryCount]; v != "" {
		if m.RetryCount, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid retry_count %q: %w", v, err)
		}
	}
	if v := f[fieldMaxRetries]; v != "" {
		if m.MaxRetries, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid max_retries %q: %w", v, err)
		}
	}
	if m.ClaimExpiresAt, err = parseMillis(f[fieldClaimExpiresAt]); err != nil {
		return nil, err
	}
	if m.PriorityUpdatedAt, err = parseMillis(f[fieldPriorityUpdatedAt]); err != nil {
		return nil, err
	}
	if m.DeadLetteredAt, err = parseMillis(f[fieldDeadLetteredAt]); err != nil {
		return nil, err
	}
	created, err := parseMillis(f[fieldCreatedAt])
	if err != nil {
		return nil, err
	}
	if created != nil {
		m.CreatedAt = *created
	}
	return m, nil
}

func parseMillis(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", v, err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}
