package taskstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldRecord   = "dto"
	fieldUploaded = "uploaded_count"
	fieldClaimed  = "assembly_claimed"
)

// The scripts refuse to touch a task whose hash has expired so a late
// mutation never resurrects task keys without a TTL.
var (
	incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
`)

	addPendingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('SADD', KEYS[2], ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then redis.call('PEXPIRE', KEYS[2], ttl) end
return 1
`)

	claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return redis.call('HSETNX', KEYS[1], ARGV[1], '1')
`)
)

// RedisStore keeps tasks in Redis: the hash upload_task:<id> holds the JSON
// record, the counter and the assembly claim; the set
// upload_task:<id>:pending_chunks holds pending indices.
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Create(ctx context.Context, task Task, ttl time.Duration) error {
	if err := validateTask(task, ttl); err != nil {
		return err
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	members := make([]any, 0, task.TotalChunks)
	for i := 1; i <= task.TotalChunks; i++ {
		members = append(members, i)
	}

	hk, pk := taskKey(task.TaskID), pendingKey(task.TaskID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, hk, pk)
		pipe.HSet(ctx, hk, fieldRecord, raw, fieldUploaded, 0)
		pipe.SAdd(ctx, pk, members...)
		pipe.PExpire(ctx, hk, ttl)
		pipe.PExpire(ctx, pk, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.TaskID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, taskID string) (Task, error) {
	vals, err := s.client.HMGet(ctx, taskKey(taskID), fieldRecord, fieldUploaded).Result()
	if err != nil {
		return Task{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	raw, ok := vals[0].(string)
	if !ok || raw == "" {
		return Task{}, ErrNotFound
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return Task{}, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	if countRaw, ok := vals[1].(string); ok {
		n, err := strconv.ParseInt(countRaw, 10, 64)
		if err != nil {
			return Task{}, fmt.Errorf("decode uploaded count for %s: %w", taskID, err)
		}
		task.Uploaded = n
	}
	return task, nil
}

func (s *RedisStore) RemovePending(ctx context.Context, taskID string, index int) (bool, error) {
	n, err := s.client.SRem(ctx, pendingKey(taskID), index).Result()
	if err != nil {
		return false, fmt.Errorf("remove pending chunk %d of %s: %w", index, taskID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) AddPending(ctx context.Context, taskID string, index int) error {
	res, err := addPendingScript.Run(ctx, s.client, []string{taskKey(taskID), pendingKey(taskID)}, index).Int64()
	if err != nil {
		return fmt.Errorf("add pending chunk %d of %s: %w", index, taskID, err)
	}
	if res < 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) IncrementUploaded(ctx context.Context, taskID string) (int64, error) {
	n, err := incrementScript.Run(ctx, s.client, []string{taskKey(taskID)}, fieldUploaded).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment uploaded count of %s: %w", taskID, err)
	}
	if n < 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

func (s *RedisStore) Pending(ctx context.Context, taskID string) ([]int, error) {
	members, err := s.client.SMembers(ctx, pendingKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read pending chunks of %s: %w", taskID, err)
	}
	out := make([]int, 0, len(members))
	for _, m := range members {
		i, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("decode pending chunk %q of %s: %w", m, taskID, err)
		}
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

func (s *RedisStore) ClaimAssembly(ctx context.Context, taskID string) (bool, error) {
	res, err := claimScript.Run(ctx, s.client, []string{taskKey(taskID)}, fieldClaimed).Int64()
	if err != nil {
		return false, fmt.Errorf("claim assembly of %s: %w", taskID, err)
	}
	if res < 0 {
		return false, ErrNotFound
	}
	return res == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, taskKey(taskID), pendingKey(taskID)).Err(); err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, taskID string) (bool, error) {
	n, err := s.client.Exists(ctx, taskKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("check task %s: %w", taskID, err)
	}
	return n == 1, nil
}
