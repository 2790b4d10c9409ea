// Package queue wraps RabbitMQ for handing ingest jobs to workers.
//
// The API and the cron scheduler publish Jobs to the "ingest_jobs" queue.
// Workers consume from the same queue and run one dataset per message.
//
// Durability guarantees:
//   - Queue is declared as durable and survives broker restarts.
//   - Messages are marked as Persistent, written to disk before ack.
//   - Consumer uses manual ack: a message is only removed from the queue
//     after the worker has recorded the outcome of the run.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"search-ingest/internal/models"
)

const jobQueueName = "ingest_jobs"

// Publisher owns the AMQP connection for the publishing side.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
}

// NewPublisher dials RabbitMQ and declares the shared queue.
func NewPublisher(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}

	q, err := declareQueue(ch)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, channel: ch, queue: q}, nil
}

// PublishJob serialises the job and sends it to the queue.
// The message is marked Persistent so it survives a broker restart.
func (p *Publisher) PublishJob(ctx context.Context, job *models.Job) error {
	msg, err := encodeJob(job)
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx,
		"",           // default exchange routes directly to the named queue
		p.queue.Name, // routing key == queue name for default exchange
		false,        // mandatory
		false,        // immediate
		msg,
	)
}

func encodeJob(job *models.Job) (amqp.Publishing, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("queue: encode job: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // survive broker restart
		MessageId:    job.RunID,
		Timestamp:    job.RequestedAt,
		Body:         body,
	}, nil
}

// Close releases the AMQP channel and connection.
func (p *Publisher) Close() {
	p.channel.Close()
	p.conn.Close()
}

// Consumer owns the AMQP connection for the worker side (consume only).
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
}

// NewConsumer dials RabbitMQ and sets QoS to process one message at a time.
func NewConsumer(url string) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}

	// One job at a time: a run can take hours and must not be hoarded by a busy worker.
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("queue: set qos: %w", err)
	}

	q, err := declareQueue(ch)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, channel: ch, queue: q}, nil
}

// Delivery wraps amqp.Delivery to expose the decoded Job and ack/nack helpers.
type Delivery struct {
	Job *models.Job
	raw amqp.Delivery
}

// Ack removes the message from RabbitMQ after the run outcome is recorded.
func (d *Delivery) Ack() error { return d.raw.Ack(false) }

// Nack requeues the message so another worker can retry.
func (d *Delivery) Nack() error { return d.raw.Nack(false, true) }

// Discard permanently rejects a message (e.g. unparseable payload).
func (d *Delivery) Discard() error { return d.raw.Nack(false, false) }

// Consume returns a channel of Delivery values. Each value must be Ack'd or Nack'd.
func (c *Consumer) Consume() (<-chan Delivery, error) {
	rawMsgs, err := c.channel.Consume(
		c.queue.Name,
		"",    // consumer tag: auto-generated
		false, // manual ack after the run is recorded
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: consume: %w", err)
	}
	return decodeDeliveries(rawMsgs), nil
}

func decodeDeliveries(rawMsgs <-chan amqp.Delivery) <-chan Delivery {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range rawMsgs {
			var job models.Job
			if err := json.Unmarshal(d.Body, &job); err != nil || job.Dataset == "" {
				// Discard unparseable messages; they will never be valid.
				slog.Warn("discarding invalid job message", "component", "queue", "message_id", d.MessageId, "error", err)
				d.Nack(false, false)
				continue
			}
			out <- Delivery{Job: &job, raw: d}
		}
	}()
	return out
}

// Close releases the AMQP channel and connection.
func (c *Consumer) Close() {
	c.channel.Close()
	c.conn.Close()
}

// declareQueue is shared between Publisher and Consumer to ensure both sides
// always declare the same durable queue (idempotent).
func declareQueue(ch *amqp.Channel) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		jobQueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("queue: declare: %w", err)
	}
	return q, nil
}
