package locks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisLockKeyPrefix     = "collab:lock:"
	redisDocumentKeyPrefix = "collab:document-locks:"
	redisExpiryKey         = "collab:lock-expiry"
	redisRowFields         = 7
	defaultRedisRetention  = time.Minute
)

var errMissingRedisClient = errors.New("locks: redis client is required")

// Rows travel between Lua and Go as seven positional strings:
// section, document, owner, lock id, acquired, expires, heartbeat.
const redisLuaHelpers = `
local function read_row(key)
  local values = redis.call('HMGET', key, 'section_id', 'document_id', 'owner_user_id', 'lock_id', 'acquired_at_ms', 'expires_at_ms', 'last_heartbeat_at_ms')
  if not values[1] then
    return nil
  end
  return values
end

local function write_row(key, row, ttl)
  redis.call('HSET', key,
    'section_id', row[1], 'document_id', row[2], 'owner_user_id', row[3], 'lock_id', row[4],
    'acquired_at_ms', row[5], 'expires_at_ms', row[6], 'last_heartbeat_at_ms', row[7])
  redis.call('PEXPIRE', key, ttl)
end

local function empty_row()
  return {'', '', '', '', '', '', ''}
end

local function append_row(target, row)
  for i = 1, 7 do
    table.insert(target, row[i])
  end
end
`

// KEYS: lock key, expiry zset, document set.
// ARGV: section, document, owner, lock id, now ms, expires ms, retention ms.
var redisAcquireScript = redis.NewScript(redisLuaHelpers + `
local now = tonumber(ARGV[5])
local existing = read_row(KEYS[1])
local status = 'acquired'
local row = {ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[5]}
local previous = empty_row()
if existing then
  local expires = tonumber(existing[6])
  if expires > now then
    if existing[3] ~= ARGV[3] then
      local result = {'held'}
      append_row(result, existing)
      append_row(result, empty_row())
      return result
    end
    status = 'renewed'
    row[4] = existing[4]
    row[5] = existing[5]
  elseif existing[3] ~= ARGV[3] then
    status = 'replaced'
    previous = existing
  end
end
local ttl = tonumber(ARGV[6]) - now + tonumber(ARGV[7])
write_row(KEYS[1], row, ttl)
redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
local result = {status}
append_row(result, row)
append_row(result, previous)
return result
`)

// KEYS: lock key, expiry zset. ARGV: owner, now ms, expires ms, retention ms.
var redisHeartbeatScript = redis.NewScript(redisLuaHelpers + `
local now = tonumber(ARGV[2])
local existing = read_row(KEYS[1])
if not existing or existing[3] ~= ARGV[1] or tonumber(existing[6]) <= now then
  return {}
end
existing[6] = ARGV[3]
existing[7] = ARGV[2]
write_row(KEYS[1], existing, tonumber(ARGV[3]) - now + tonumber(ARGV[4]))
redis.call('ZADD', KEYS[2], ARGV[3], existing[1])
return existing
`)

// KEYS: lock key, expiry zset. ARGV: owner, document key prefix.
var redisReleaseScript = redis.NewScript(redisLuaHelpers + `
local existing = read_row(KEYS[1])
if not existing or existing[3] ~= ARGV[1] then
  return {}
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], existing[1])
redis.call('SREM', ARGV[2] .. existing[2], existing[1])
return existing
`)

// KEYS: expiry zset. ARGV: now ms, lock key prefix, document key prefix.
var redisSweepScript = redis.NewScript(redisLuaHelpers + `
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local result = {}
for _, section in ipairs(due) do
  local key = ARGV[2] .. section
  local existing = read_row(key)
  if existing and tonumber(existing[6]) <= now then
    redis.call('DEL', key)
    redis.call('SREM', ARGV[3] .. existing[2], section)
    append_row(result, existing)
  end
  if not existing or tonumber(existing[6]) <= now then
    redis.call('ZREM', KEYS[1], section)
  end
end
return result
`)

// RedisStore keeps locks in Redis hashes with an expiry index so several API
// instances can share lock state. Check-and-set runs inside Lua scripts.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	return &RedisStore{client: client, retention: defaultRedisRetention}, nil
}

func lockKey(sectionID string) string {
	return redisLockKeyPrefix + sectionID
}

func documentKey(documentID string) string {
	return redisDocumentKeyPrefix + documentID
}

// Acquire performs the conditional write inside a single script invocation.
func (s *RedisStore) Acquire(ctx context.Context, candidate SectionLock) (AcquireOutcome, error) {
	keys := []string{lockKey(candidate.SectionID), redisExpiryKey, documentKey(candidate.DocumentID)}
	raw, err := redisAcquireScript.Run(ctx, s.client, keys,
		candidate.SectionID,
		candidate.DocumentID,
		candidate.OwnerUserID,
		candidate.LockID,
		candidate.LastHeartbeatAtMs,
		candidate.ExpiresAtMs,
		s.retention.Milliseconds(),
	).StringSlice()
	if err != nil {
		return AcquireOutcome{}, fmt.Errorf("locks: redis acquire: %w", err)
	}
	if len(raw) != 1+2*redisRowFields {
		return AcquireOutcome{}, fmt.Errorf("locks: redis acquire: unexpected reply length %d", len(raw))
	}
	current, err := decodeRedisRow(raw[1 : 1+redisRowFields])
	if err != nil {
		return AcquireOutcome{}, err
	}
	outcome := AcquireOutcome{Lock: current}
	switch raw[0] {
	case "held":
		return outcome, nil
	case "renewed":
		outcome.Renewed = true
	case "replaced":
		previous, err := decodeRedisRow(raw[1+redisRowFields:])
		if err != nil {
			return AcquireOutcome{}, err
		}
		outcome.Replaced = &previous
	}
	outcome.Acquired = true
	return outcome, nil
}

// Heartbeat extends the caller's unexpired lease.
func (s *RedisStore) Heartbeat(ctx context.Context, sectionID, userID string, now time.Time, lease time.Duration) (SectionLock, bool, error) {
	nowMs := now.UnixMilli()
	raw, err := redisHeartbeatScript.Run(ctx, s.client, []string{lockKey(sectionID), redisExpiryKey},
		userID, nowMs, nowMs+lease.Milliseconds(), s.retention.Milliseconds(),
	).StringSlice()
	if err != nil {
		return SectionLock{}, false, fmt.Errorf("locks: redis heartbeat: %w", err)
	}
	if len(raw) == 0 {
		return SectionLock{}, false, nil
	}
	current, err := decodeRedisRow(raw)
	if err != nil {
		return SectionLock{}, false, err
	}
	return current, true, nil
}

// Release deletes the caller's lock.
func (s *RedisStore) Release(ctx context.Context, sectionID, userID string) (SectionLock, bool, error) {
	raw, err := redisReleaseScript.Run(ctx, s.client, []string{lockKey(sectionID), redisExpiryKey},
		userID, redisDocumentKeyPrefix,
	).StringSlice()
	if err != nil {
		return SectionLock{}, false, fmt.Errorf("locks: redis release: %w", err)
	}
	if len(raw) == 0 {
		return SectionLock{}, false, nil
	}
	released, err := decodeRedisRow(raw)
	if err != nil {
		return SectionLock{}, false, err
	}
	return released, true, nil
}

// Get returns the unexpired lock on a section.
func (s *RedisStore) Get(ctx context.Context, sectionID string, now time.Time) (SectionLock, bool, error) {
	current, found, err := s.read(ctx, sectionID)
	if err != nil || !found {
		return SectionLock{}, false, err
	}
	if !current.ActiveAt(now) {
		return SectionLock{}, false, nil
	}
	return current, true, nil
}

// ListActive returns the unexpired locks of a document ordered by section.
func (s *RedisStore) ListActive(ctx context.Context, documentID string, now time.Time) ([]SectionLock, error) {
	sectionIDs, err := s.client.SMembers(ctx, documentKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("locks: redis list: %w", err)
	}
	active := make([]SectionLock, 0, len(sectionIDs))
	for _, sectionID := range sectionIDs {
		current, found, err := s.read(ctx, sectionID)
		if err != nil {
			return nil, err
		}
		if !found || current.DocumentID != documentID {
			s.client.SRem(ctx, documentKey(documentID), sectionID)
			continue
		}
		if current.ActiveAt(now) {
			active = append(active, current)
		}
	}
	sortLocksBySection(active)
	return active, nil
}

// DeleteExpired removes every lapsed lock and returns the removed rows.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) ([]SectionLock, error) {
	raw, err := redisSweepScript.Run(ctx, s.client, []string{redisExpiryKey},
		now.UnixMilli(), redisLockKeyPrefix, redisDocumentKeyPrefix,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("locks: redis sweep: %w", err)
	}
	expired := make([]SectionLock, 0, len(raw)/redisRowFields)
	for offset := 0; offset+redisRowFields <= len(raw); offset += redisRowFields {
		lock, err := decodeRedisRow(raw[offset : offset+redisRowFields])
		if err != nil {
			return nil, err
		}
		expired = append(expired, lock)
	}
	sortLocksBySection(expired)
	return expired, nil
}

func (s *RedisStore) read(ctx context.Context, sectionID string) (SectionLock, bool, error) {
	values, err := s.client.HGetAll(ctx, lockKey(sectionID)).Result()
	if err != nil {
		return SectionLock{}, false, fmt.Errorf("locks: redis read: %w", err)
	}
	if len(values) == 0 {
		return SectionLock{}, false, nil
	}
	row := []string{
		values["section_id"],
		values["document_id"],
		values["owner_user_id"],
		values["lock_id"],
		values["acquired_at_ms"],
		values["expires_at_ms"],
		values["last_heartbeat_at_ms"],
	}
	current, err := decodeRedisRow(row)
	if err != nil {
		return SectionLock{}, false, err
	}
	return current, true, nil
}

func decodeRedisRow(row []string) (SectionLock, error) {
	if len(row) < redisRowFields {
		return SectionLock{}, fmt.Errorf("locks: redis row has %d fields", len(row))
	}
	timestamps := make([]int64, 3)
	for index := range timestamps {
		value, err := strconv.ParseInt(row[4+index], 10, 64)
		if err != nil {
			return SectionLock{}, fmt.Errorf("locks: redis row timestamp: %w", err)
		}
		timestamps[index] = value
	}
	return SectionLock{
		SectionID:         row[0],
		DocumentID:        row[1],
		OwnerUserID:       row[2],
		LockID:            row[3],
		AcquiredAtMs:      timestamps[0],
		ExpiresAtMs:       timestamps[1],
		LastHeartbeatAtMs: timestamps[2],
	}, nil
}
