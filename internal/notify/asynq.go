package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskTypeSend is the asynq task carrying a queued notification.
const TaskTypeSend = "notify:send"

// Enqueuer is the subset of asynq.Client used by AsynqSink.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqSink defers delivery to the worker by enqueuing a notify:send task.
type AsynqSink struct {
	client Enqueuer
	queue  string
}

// NewAsynqSink constructs AsynqSink.
func NewAsynqSink(client Enqueuer, queue string) *AsynqSink {
	if queue == "" {
		queue = "default"
	}
	return &AsynqSink{client: client, queue: queue}
}

// NewSendTask builds the notify:send task for n.
func NewSendTask(n Notification) (*asynq.Task, error) {
	data, err := Encode(n)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSend, data), nil
}

// Send implements Sink.
func (s *AsynqSink) Send(ctx context.Context, n Notification) error {
	task, err := NewSendTask(n)
	if err != nil {
		return err
	}
	if _, err := s.client.EnqueueContext(ctx, task,
		asynq.Queue(s.queue),
		asynq.MaxRetry(5),
		asynq.Retention(24*time.Hour),
	); err != nil {
		return fmt.Errorf("notify: enqueue: %w", err)
	}
	return nil
}
