package redisq

import "github.com/redis/go-redis/v9"

// KEYS: command hash, active key, pending zset, status index zset
// ARGV: id, pending score, index score, field/value pairs...
var createScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[2])
if owner then
  return {0, owner}
end
redis.call('SET', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
return {1, ARGV[1]}
`)

// KEYS: command hash, old status index, new status index, pending zset, active key
// ARGV: expected rev, id, index score, pending score (empty removes), active op, clear progress, field/value pairs...
//
// returns 1 on success, 0 on rev mismatch, -1 when the record is missing, -2 when the target is owned by another command
var commitScript = redis.NewScript(`
local rev = redis.call('HGET', KEYS[1], 'rev')
if not rev then
  return -1
end
if rev ~= ARGV[1] then
  return 0
end
if ARGV[5] == 'acquire' then
  local owner = redis.call('GET', KEYS[5])
  if owner and owner ~= ARGV[2] then
    return -2
  end
  redis.call('SET', KEYS[5], ARGV[2])
elseif ARGV[5] == 'release' then
  if redis.call('GET', KEYS[5]) == ARGV[2] then
    redis.call('DEL', KEYS[5])
  end
end
redis.call('HSET', KEYS[1], unpack(ARGV, 7))
if ARGV[6] == '1' then
  redis.call('HDEL', KEYS[1], 'progress')
end
redis.call('HINCRBY', KEYS[1], 'rev', 1)
if KEYS[2] ~= KEYS[3] then
  redis.call('ZREM', KEYS[2], ARGV[2])
end
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
if ARGV[4] == '' then
  redis.call('ZREM', KEYS[4], ARGV[2])
else
  redis.call('ZADD', KEYS[4], ARGV[4], ARGV[2])
end
return 1
`)

// KEYS: command hash, pending zset, PENDING index, FAILED_FATAL index, active key
// ARGV: id, expected rev, index score, error code, error message, updated_at
//
// returns 1 on success, 0 when the record is no longer the PENDING revision read, -1 when it is missing
var rejectScript = redis.NewScript(`
local rev = redis.call('HGET', KEYS[1], 'rev')
if not rev then
  return -1
end
if rev ~= ARGV[2] or redis.call('HGET', KEYS[1], 'status') ~= 'PENDING' then
  return 0
end
if redis.call('GET', KEYS[5]) == ARGV[1] then
  redis.call('DEL', KEYS[5])
end
redis.call('HSET', KEYS[1], 'status', 'FAILED_FATAL', 'error_code', ARGV[4], 'error_message', ARGV[5], 'last_error', ARGV[5], 'updated_at', ARGV[6])
redis.call('HDEL', KEYS[1], 'progress')
redis.call('HINCRBY', KEYS[1], 'rev', 1)
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
return 1
`)

// KEYS: command hash
// ARGV: progress json, updated_at, required status
var progressScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
if status ~= ARGV[3] then
  return 0
end
redis.call('HSET', KEYS[1], 'progress', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

// KEYS: command hash, log sequence, log stream
// ARGV: created_at, level, logger, message
var appendLogScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local n = redis.call('INCR', KEYS[2])
redis.call('XADD', KEYS[3], n .. '-0', 'created_at', ARGV[1], 'level', ARGV[2], 'logger', ARGV[3], 'message', ARGV[4])
return n
`)
