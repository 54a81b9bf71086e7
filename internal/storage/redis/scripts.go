package redis

import "github.com/redis/go-redis/v9"

const (
	// updateNotesScript replaces session notes and bumps the owner's revision
	// so an in-flight state transition for the same user retries instead of
	// writing back stale notes.
	updateNotesScriptSrc = `
local session_key = KEYS[1]     -- ktime:session:{sessionID}
local rev_key = KEYS[2]         -- ktime:user:{userID}:rev

local user_id = ARGV[1]
local notes = ARGV[2]
local updated_at = ARGV[3]

if redis.call('EXISTS', session_key) == 0 then
  return 0
end

-- The owner may not change, but guard against a stale lookup
if redis.call('HGET', session_key, 'user_id') ~= user_id then
  return -1
end

redis.call('HSET', session_key,
  'notes', notes,
  'updated_at', updated_at
)
redis.call('INCR', rev_key)

return 1
`

	// putProfileScript writes a profile hash only when a field changed,
	// returning 1 when something was written.
	putProfileScriptSrc = `
local profile_key = KEYS[1]     -- ktime:profile:{userID}

local changed = 0
for i = 1, #ARGV, 2 do
  local field = ARGV[i]
  local value = ARGV[i + 1]
  if redis.call('HGET', profile_key, field) ~= value then
    redis.call('HSET', profile_key, field, value)
    changed = 1
  end
end

return changed
`
)

var (
	updateNotesScript = redis.NewScript(updateNotesScriptSrc)
	putProfileScript  = redis.NewScript(putProfileScriptSrc)
)
