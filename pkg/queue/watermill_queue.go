package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/time/rate"

	"github.com/outflowhq/outflow/pkg/jobs"
)

var ErrAlreadyRegistered = errors.New("job type already has a handler")

type consumer struct {
	cfg     ConsumerConfig
	handler HandlerFunc
	limiter *rate.Limiter
}

// WatermillJobQueue implements JobQueue on a watermill publisher/subscriber
// pair. Each registered job type gets its own topic subscription with a
// bounded worker pool and an optional shared rate limiter.
type WatermillJobQueue struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger

	mu        sync.Mutex
	consumers map[jobs.JobType]*consumer
	wg        sync.WaitGroup
}

func NewWatermillJobQueue(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *WatermillJobQueue {
	return &WatermillJobQueue{
		publisher:  pub,
		subscriber: sub,
		logger:     logger.With("module", "job_queue"),
		consumers:  make(map[jobs.JobType]*consumer),
	}
}

func (q *WatermillJobQueue) GenerateID() string {
	return watermill.NewULID()
}

func (q *WatermillJobQueue) Publish(ctx context.Context, key string, job jobs.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("refusing to publish: %w", err)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal %s job: %w", job.GetType(), err)
	}

	msg := message.NewMessage("msg-"+q.GenerateID(), payload)
	msg.Metadata.Set(jobs.JobMetadataKey, key)
	msg.Metadata.Set(jobs.JobTypeMetadataKey, string(job.GetType()))

	return q.publisher.Publish(jobs.TopicFor(job.GetType()), msg)
}

func (q *WatermillJobQueue) Handle(t jobs.JobType, cfg ConsumerConfig, handler HandlerFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.consumers[t]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, t)
	}

	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	c := &consumer{cfg: cfg, handler: handler}
	if cfg.RatePerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), 1)
	}

	q.consumers[t] = c

	return nil
}

func (q *WatermillJobQueue) Subscribe(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for jobType, c := range q.consumers {
		messages, err := q.subscriber.Subscribe(ctx, jobs.TopicFor(jobType))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", jobs.TopicFor(jobType), err)
		}

		for i := 0; i < c.cfg.Concurrency; i++ {
			q.wg.Add(1)

			go q.consume(ctx, jobType, c, messages)
		}

		q.logger.Info("Consuming queue",
			"topic", jobs.TopicFor(jobType),
			"concurrency", c.cfg.Concurrency,
			"rate_per_minute", c.cfg.RatePerMinute)
	}

	return nil
}

func (q *WatermillJobQueue) consume(ctx context.Context, jobType jobs.JobType, c *consumer, messages <-chan *message.Message) {
	defer q.wg.Done()

	for msg := range messages {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				msg.Nack()

				return
			}
		}

		q.process(ctx, jobType, c, msg)
	}
}

func (q *WatermillJobQueue) process(ctx context.Context, jobType jobs.JobType, c *consumer, msg *message.Message) {
	job, err := jobs.Decode(jobType, msg.Payload)
	if err != nil {
		// Undecodable payloads would poison the queue if redelivered.
		q.logger.Error("Dropping undecodable message",
			"topic", jobs.TopicFor(jobType), "message_id", msg.UUID, "error", err)
		msg.Ack()

		return
	}

	if err := job.Validate(); err != nil {
		q.logger.Error("Dropping invalid job",
			"topic", jobs.TopicFor(jobType), "message_id", msg.UUID, "error", err)
		msg.Ack()

		return
	}

	if err := c.handler(ctx, job); err != nil {
		q.logger.Error("Job handler failed",
			"topic", jobs.TopicFor(jobType), "message_id", msg.UUID, "error", err)
		msg.Nack()

		return
	}

	msg.Ack()
}

// Close stops the publisher and subscriber; in-flight handlers drain before
// Close returns.
func (q *WatermillJobQueue) Close() error {
	err := q.publisher.Close()

	subErr := q.subscriber.Close()
	if err == nil {
		err = subErr
	}

	q.wg.Wait()

	return err
}
