// Package queue carries pipeline jobs through RabbitMQ so uploads survive a
// restart of the process that accepted them
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/maneesh/vidstream/internal/apperr"
	"github.com/maneesh/vidstream/internal/pipeline"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dialAttempts = 5
	dialBackoff  = 5 * time.Second
)

// AMQPDispatcher publishes jobs to a durable queue and consumes them
type AMQPDispatcher struct {
	conn  *amqp.Connection
	queue string

	mu sync.Mutex
	ch *amqp.Channel
}

// Dial connects to RabbitMQ, retrying while the broker comes up, and declares
// the durable job queue
func Dial(url, queue string) (*AMQPDispatcher, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < dialAttempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		log.Printf("Retrying RabbitMQ connection in %s... (%d/%d)", dialBackoff, i+1, dialAttempts)
		time.Sleep(dialBackoff)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := declare(ch, queue); err != nil {
		conn.Close()
		return nil, err
	}

	log.Printf("Connected to RabbitMQ, queue %s", queue)
	return &AMQPDispatcher{conn: conn, queue: queue, ch: ch}, nil
}

func declare(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare a queue: %w", err)
	}
	return nil
}

// Dispatch publishes the job as a persistent message
func (d *AMQPDispatcher) Dispatch(ctx context.Context, job pipeline.Job) error {
	msg, err := encodeJob(job)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ch.PublishWithContext(ctx, "", d.queue, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	log.Printf(" [x] Queued video %s for processing", job.VideoID)
	return nil
}

func encodeJob(job pipeline.Job) (amqp.Publishing, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal job: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.VideoID,
		Timestamp:    time.Now(),
		Body:         body,
	}, nil
}

const consumerTag = "vidstream-pipeline"

// Consume runs queued jobs on runner with at most workers in flight. Once ctx
// is done no new deliveries are taken; jobs already running finish before
// Consume returns. Each message is acked once its run ends.
func (d *AMQPDispatcher) Consume(ctx context.Context, runner pipeline.Runner, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	ch, err := d.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a consumer channel: %w", err)
	}
	defer ch.Close()

	if err := declare(ch, d.queue); err != nil {
		return err
	}
	if err := ch.Qos(workers, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	msgs, err := ch.Consume(
		d.queue,     // queue
		consumerTag, // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("failed to register a consumer: %w", err)
	}

	// stop the broker pushing more; prefetched but unacked messages are
	// requeued when the channel closes
	go func() {
		<-ctx.Done()
		if err := ch.Cancel(consumerTag, false); err != nil {
			log.Printf("Error cancelling consumer: %v", err)
		}
	}()

	log.Printf(" [*] Waiting for jobs on %s with %d workers", d.queue, workers)
	return work(ctx, msgs, runner, workers)
}

// work fans deliveries out to workers until ctx is done or msgs closes, then
// waits for the running jobs.
func work(ctx context.Context, msgs <-chan amqp.Delivery, runner pipeline.Runner, workers int) error {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				// checked first so a ready delivery doesn't win the race
				// against shutdown
				if ctx.Err() != nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case delivery, ok := <-msgs:
					if !ok {
						return
					}
					handle(ctx, runner, delivery)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// handle runs one delivery. Malformed messages are dropped; everything else
// is acked because the pipeline records its own failures. The run is
// detached from ctx so shutdown lets it reach a terminal state.
func handle(ctx context.Context, runner pipeline.Runner, delivery amqp.Delivery) {
	var job pipeline.Job
	if err := json.Unmarshal(delivery.Body, &job); err != nil || job.VideoID == "" || job.TenantID == "" {
		log.Printf("ERROR: dropping malformed job message: %s", delivery.Body)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			log.Printf("Error rejecting message: %v", nackErr)
		}
		return
	}

	if err := runner.RunPipeline(context.WithoutCancel(ctx), job); err != nil {
		switch apperr.KindOf(err) {
		case apperr.AlreadyProcessing, apperr.InvalidState, apperr.NotFound:
			log.Printf("Skipping queued video %s: %v", job.VideoID, err)
		default:
			log.Printf("Pipeline for queued video %s ended with error: %v", job.VideoID, err)
		}
	}

	if err := delivery.Ack(false); err != nil {
		log.Printf("Error acking job for video %s: %v", job.VideoID, err)
	}
}

// Close closes the channel and connection
func (d *AMQPDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch != nil {
		d.ch.Close()
	}
	return d.conn.Close()
}
