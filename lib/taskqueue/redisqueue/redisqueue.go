// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package redisqueue is a taskqueue.Queue backed by Redis.
//
// Each queue has a ready list and an inflight sorted set scored by
// lease deadline (unix milliseconds). Task bodies live in one hash
// per task. Lease and acknowledge run as Lua scripts so each is
// atomic.
//
// The scripts access task hashes whose names are not declared in
// KEYS, so this driver works with standalone Redis (or a replicated
// primary) only, not Redis Cluster.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"git.arvados.org/dna.git/lib/taskqueue"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Driver is the Redis implementation of taskqueue.Driver.
var Driver = taskqueue.DriverFunc(newQueue)

type redisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type Queue struct {
	client *redis.Client
	prefix string
	logger logrus.FieldLogger
}

func newQueue(config json.RawMessage, _ string, logger logrus.FieldLogger) (taskqueue.Queue, error) {
	var cfg redisConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	return New(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.KeyPrefix, logger), nil
}

// New returns a Queue that uses the given client. Keys are prefixed
// with prefix (default "dna:").
func New(client *redis.Client, prefix string, logger logrus.FieldLogger) *Queue {
	if prefix == "" {
		prefix = "dna:"
	}
	return &Queue{client: client, prefix: prefix, logger: logger}
}

func (q *Queue) readyKey(queue string) string    { return q.prefix + "queue:" + queue + ":ready" }
func (q *Queue) inflightKey(queue string) string { return q.prefix + "queue:" + queue + ":inflight" }
func (q *Queue) taskPrefix() string              { return q.prefix + "task:" }

func (q *Queue) Enqueue(ctx context.Context, queue string, payload []byte, tag string) (taskqueue.Task, error) {
	seq, err := q.client.Incr(ctx, q.prefix+"seq").Result()
	if err != nil {
		return taskqueue.Task{}, err
	}
	id := strconv.FormatInt(seq, 10)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskPrefix()+id, "payload", payload, "tag", tag, "queue", queue)
	pipe.RPush(ctx, q.readyKey(queue), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return taskqueue.Task{}, err
	}
	return taskqueue.Task{ID: id, ScheduleTime: time.Now(), Payload: payload, Tag: tag}, nil
}

// KEYS: ready, inflight
// ARGV: now, deadline, max, task key prefix
var leaseScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
end
local out = {}
for i=1,tonumber(ARGV[3]) do
  local id = redis.call('LPOP', KEYS[1])
  if not id then break end
  local key = ARGV[4] .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    redis.call('HSET', key, 'lease', ARGV[2])
    local f = redis.call('HMGET', key, 'payload', 'tag')
    table.insert(out, {id, f[1] or '', f[2] or ''})
  end
end
return out
`)

func (q *Queue) Lease(ctx context.Context, queue string, d time.Duration, max int) ([]taskqueue.Task, error) {
	now := time.Now()
	deadline := now.Add(d).UnixMilli()
	res, err := leaseScript.Run(ctx, q.client,
		[]string{q.readyKey(queue), q.inflightKey(queue)},
		now.UnixMilli(), deadline, max, q.taskPrefix()).Slice()
	if err != nil {
		return nil, err
	}
	var tasks []taskqueue.Task
	for _, row := range res {
		fields, ok := row.([]interface{})
		if !ok || len(fields) != 3 {
			return nil, fmt.Errorf("unexpected result from lease script: %#v", row)
		}
		id, _ := fields[0].(string)
		payload, _ := fields[1].(string)
		tag, _ := fields[2].(string)
		tasks = append(tasks, taskqueue.Task{
			ID:           id,
			ScheduleTime: time.UnixMilli(deadline),
			Payload:      []byte(payload),
			Tag:          tag,
		})
	}
	return tasks, nil
}

// KEYS: inflight
// ARGV: id, deadline, task key prefix
var ackScript = redis.NewScript(`
local key = ARGV[3] .. ARGV[1]
local lease = redis.call('HGET', key, 'lease')
if (not lease) or lease ~= ARGV[2] then return 0 end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', key)
return 1
`)

func (q *Queue) Acknowledge(ctx context.Context, task taskqueue.Task) error {
	queue, err := q.client.HGet(ctx, q.taskPrefix()+task.ID, "queue").Result()
	if err == redis.Nil {
		return fmt.Errorf("task %s: %w", task.ID, taskqueue.ErrLeaseLost)
	} else if err != nil {
		return err
	}
	ok, err := ackScript.Run(ctx, q.client,
		[]string{q.inflightKey(queue)},
		task.ID, strconv.FormatInt(task.ScheduleTime.UnixMilli(), 10), q.taskPrefix()).Int()
	if err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("task %s: %w", task.ID, taskqueue.ErrLeaseLost)
	}
	return nil
}

// CountPending returns the number of ready tasks plus leased tasks
// whose leases have expired.
func (q *Queue) CountPending(ctx context.Context, queue string) (int, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey(queue))
	expired := pipe.ZCount(ctx, q.inflightKey(queue), "-inf", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(ready.Val() + expired.Val()), nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}
