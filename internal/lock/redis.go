package lock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis is a Store for teams that already run a shared Redis. The record is a
// hash per project; conditional transitions run as Lua scripts so concurrent
// acquirers from different machines serialize on the server.
type Redis struct {
	client *redis.Client
	prefix string
}

var acquireScript = redis.NewScript(`
local expires = redis.call("HGET", KEYS[1], "expires_at_ns")
if expires then
  local owner = redis.call("HGET", KEYS[1], "owner")
  if tonumber(expires) > tonumber(ARGV[1]) and owner ~= ARGV[2] then
    local machine = redis.call("HGET", KEYS[1], "machine_id")
    return {0, owner, machine or "", expires}
  end
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1],
  "lock_id", ARGV[3],
  "owner", ARGV[2],
  "machine_id", ARGV[4],
  "acquired_at_ns", ARGV[5],
  "expires_at_ns", ARGV[6],
  "heartbeat_ns", ARGV[7])
return {1}
`)

var heartbeatScript = redis.NewScript(`
local id = redis.call("HGET", KEYS[1], "lock_id")
if not id then return -1 end
if id ~= ARGV[1] then return -2 end
redis.call("HSET", KEYS[1], "expires_at_ns", ARGV[2], "heartbeat_ns", ARGV[3])
return 1
`)

var releaseScript = redis.NewScript(`
local id = redis.call("HGET", KEYS[1], "lock_id")
if not id then return -1 end
if id ~= ARGV[1] then return -2 end
redis.call("DEL", KEYS[1])
return 1
`)

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "mixlock:lock:"}
}

func (s *Redis) key(project string) string { return s.prefix + project }

func (s *Redis) Get(ctx context.Context, project string) (*Lock, error) {
	fields, err := s.client.HGetAll(ctx, s.key(project)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return lockFromFields(project, fields)
}

func lockFromFields(project string, fields map[string]string) (*Lock, error) {
	parseNS := func(name string) (time.Time, error) {
		ns, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad %s in lock record for %s: %w", name, project, err)
		}
		return time.Unix(0, ns), nil
	}

	acquired, err := parseNS("acquired_at_ns")
	if err != nil {
		return nil, err
	}
	expires, err := parseNS("expires_at_ns")
	if err != nil {
		return nil, err
	}
	heartbeat, err := parseNS("heartbeat_ns")
	if err != nil {
		return nil, err
	}

	return &Lock{
		LockID:        fields["lock_id"],
		Project:       project,
		Owner:         fields["owner"],
		MachineID:     fields["machine_id"],
		AcquiredAt:    acquired,
		ExpiresAt:     expires,
		LastHeartbeat: heartbeat,
	}, nil
}

func (s *Redis) Acquire(ctx context.Context, candidate *Lock) (*Lock, error) {
	res, err := acquireScript.Run(ctx, s.client, []string{s.key(candidate.Project)},
		candidate.AcquiredAt.UnixNano(),
		candidate.Owner,
		candidate.LockID,
		candidate.MachineID,
		candidate.AcquiredAt.UnixNano(),
		candidate.ExpiresAt.UnixNano(),
		candidate.LastHeartbeat.UnixNano(),
	).Result()
	if err != nil {
		return nil, err
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("unexpected acquire script result: %v", res)
	}
	if code, _ := arr[0].(int64); code == 1 {
		out := *candidate
		return &out, nil
	}

	al := &AlreadyLockedError{Project: candidate.Project}
	if len(arr) >= 4 {
		al.Owner, _ = arr[1].(string)
		al.MachineID, _ = arr[2].(string)
		if expStr, ok := arr[3].(string); ok {
			if ns, err := strconv.ParseInt(expStr, 10, 64); err == nil {
				al.ExpiresAt = time.Unix(0, ns)
			}
		}
	}
	return nil, al
}

func (s *Redis) Heartbeat(ctx context.Context, project, lockID string, expiresAt, heartbeatAt time.Time) (*Lock, error) {
	res, err := heartbeatScript.Run(ctx, s.client, []string{s.key(project)},
		lockID, expiresAt.UnixNano(), heartbeatAt.UnixNano(),
	).Int()
	if err != nil {
		return nil, err
	}
	switch res {
	case 1:
		return s.Get(ctx, project)
	case -1:
		return nil, ErrNoLock
	default:
		return nil, ErrLockIDMismatch
	}
}

func (s *Redis) Release(ctx context.Context, project, lockID string) error {
	res, err := releaseScript.Run(ctx, s.client, []string{s.key(project)}, lockID).Int()
	if err != nil {
		return err
	}
	switch res {
	case 1:
		return nil
	case -1:
		return ErrNoLock
	default:
		return ErrLockIDMismatch
	}
}

func (s *Redis) ForceRemove(ctx context.Context, project string) error {
	n, err := s.client.Del(ctx, s.key(project)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoLock
	}
	return nil
}
