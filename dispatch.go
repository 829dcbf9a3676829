package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const taskTypeBatch = "batch:run"

type batchPayload struct {
	BatchID string `json:"batch_id"`
}

// RedisQueue dispatches batches through asynq so several processes can share
// the work. Cancellation is cooperative: workers read the batch's
// cancel flag between pages.
type RedisQueue struct {
	client *asynq.Client
	server *asynq.Server
	queue  string
}

// NewRedisQueue connects to redisURL. When consume is set the process also
// runs an asynq server executing batches with runner.
func NewRedisQueue(redisURL, queueName string, concurrency int, timeout time.Duration, runner jobRunner, consume bool) (*RedisQueue, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	q := &RedisQueue{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
	if !consume {
		return q, nil
	}

	q.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName: 10,
		},
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			delay := time.Duration(5*(1<<uint(n))) * time.Second
			if delay > time.Minute {
				delay = time.Minute
			}
			return delay
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.WithError(err).WithField("task_type", task.Type()).Error("Task processing error")
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskTypeBatch, func(ctx context.Context, task *asynq.Task) error {
		var payload batchPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("failed to unmarshal batch payload: %w: %w", err, asynq.SkipRetry)
		}
		jobCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		// batch failures are recorded on the batch, retrying would redo work
		if err := runner.runBatch(jobCtx, payload.BatchID); err != nil {
			batchLogger(payload.BatchID).WithError(err).Error("Batch failed")
		}
		return nil
	})

	go func() {
		log.Infof("Starting queue consumer (concurrency=%d, queue=%s)", concurrency, queueName)
		if err := q.server.Run(mux); err != nil {
			log.Errorf("Queue consumer error: %v", err)
		}
	}()
	return q, nil
}

// Enqueue publishes a batch task.
func (q *RedisQueue) Enqueue(ctx context.Context, batchID string) error {
	data, err := json.Marshal(batchPayload{BatchID: batchID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeBatch, data)
	_, err = q.client.EnqueueContext(ctx, task, asynq.Queue(q.queue), asynq.TaskID(batchID), asynq.MaxRetry(0))
	if err != nil {
		return fmt.Errorf("failed to enqueue batch: %w", err)
	}
	return nil
}

// Cancel never finds a local context; workers see the flag instead.
func (q *RedisQueue) Cancel(string) bool {
	return false
}

// Close shuts the consumer down and closes the client.
func (q *RedisQueue) Close() error {
	if q.server != nil {
		q.server.Shutdown()
	}
	return q.client.Close()
}
