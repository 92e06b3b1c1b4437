// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.arvados.org/dna.git/lib/taskqueue"
)

// Queue is an in-memory taskqueue.Queue.
type Queue struct {
	// If not nil, returned by every call to the corresponding
	// method.
	EnqueueErr error
	LeaseErr   error
	AckErr     error
	CountErr   error

	mtx    sync.Mutex
	seq    int
	queues map[string]map[string]*queuedTask
	log    []QueueEvent
}

type queuedTask struct {
	taskqueue.Task
	seq int
}

// QueueEvent is an entry in the log returned by Events.
type QueueEvent struct {
	Op      string // "enqueue", "ack"
	Queue   string
	TaskID  string
	Payload string
}

// Events returns all successful Enqueue and Acknowledge calls to
// date.
func (q *Queue) Events() []QueueEvent {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return append([]QueueEvent(nil), q.log...)
}

// Contents returns the payloads of all tasks (leased or not) in the
// named queue, in enqueue order.
func (q *Queue) Contents(queue string) []string {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	var qts []*queuedTask
	for _, qt := range q.queues[queue] {
		qts = append(qts, qt)
	}
	sort.Slice(qts, func(i, j int) bool { return qts[i].seq < qts[j].seq })
	var payloads []string
	for _, qt := range qts {
		payloads = append(payloads, string(qt.Payload))
	}
	return payloads
}

func (q *Queue) Enqueue(ctx context.Context, queue string, payload []byte, tag string) (taskqueue.Task, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.EnqueueErr != nil {
		return taskqueue.Task{}, q.EnqueueErr
	}
	if q.queues == nil {
		q.queues = map[string]map[string]*queuedTask{}
	}
	if q.queues[queue] == nil {
		q.queues[queue] = map[string]*queuedTask{}
	}
	q.seq++
	task := taskqueue.Task{
		ID:           fmt.Sprintf("task-%d", q.seq),
		ScheduleTime: time.Now(),
		Payload:      append([]byte(nil), payload...),
		Tag:          tag,
	}
	q.queues[queue][task.ID] = &queuedTask{Task: task, seq: q.seq}
	q.log = append(q.log, QueueEvent{Op: "enqueue", Queue: queue, TaskID: task.ID, Payload: string(payload)})
	return task, nil
}

func (q *Queue) Lease(ctx context.Context, queue string, d time.Duration, max int) ([]taskqueue.Task, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.LeaseErr != nil {
		return nil, q.LeaseErr
	}
	now := time.Now()
	var avail []*queuedTask
	for _, qt := range q.queues[queue] {
		if !qt.ScheduleTime.After(now) {
			avail = append(avail, qt)
		}
	}
	sort.Slice(avail, func(i, j int) bool { return avail[i].seq < avail[j].seq })
	var tasks []taskqueue.Task
	for _, qt := range avail {
		if len(tasks) >= max {
			break
		}
		qt.ScheduleTime = now.Add(d)
		tasks = append(tasks, qt.Task)
	}
	return tasks, nil
}

func (q *Queue) Acknowledge(ctx context.Context, task taskqueue.Task) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.AckErr != nil {
		return q.AckErr
	}
	for name, tasks := range q.queues {
		qt, ok := tasks[task.ID]
		if !ok {
			continue
		}
		if !qt.ScheduleTime.Equal(task.ScheduleTime) {
			break
		}
		delete(tasks, task.ID)
		q.log = append(q.log, QueueEvent{Op: "ack", Queue: name, TaskID: task.ID, Payload: string(qt.Payload)})
		return nil
	}
	return fmt.Errorf("task %s: %w", task.ID, taskqueue.ErrLeaseLost)
}

func (q *Queue) CountPending(ctx context.Context, queue string) (int, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.CountErr != nil {
		return 0, q.CountErr
	}
	n := 0
	now := time.Now()
	for _, qt := range q.queues[queue] {
		if !qt.ScheduleTime.After(now) {
			n++
		}
	}
	return n, nil
}

func (q *Queue) Close() error {
	return nil
}
