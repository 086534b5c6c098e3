// internal/publisher/publisher.go
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deannos/nem-billing-pipeline/internal/config"
	"github.com/deannos/nem-billing-pipeline/internal/metrics"
	"github.com/deannos/nem-billing-pipeline/internal/model"
	"github.com/deannos/nem-billing-pipeline/internal/rates"
	"github.com/deannos/nem-billing-pipeline/internal/tracker"
)

var (
	// ErrUnavailable is returned when a premise has no bill to publish yet.
	ErrUnavailable = errors.New("bill unavailable")
	// ErrShuttingDown is returned once Stop has begun.
	ErrShuttingDown = errors.New("publisher shutting down")
	// ErrQueueFull is returned when the event channel is full.
	ErrQueueFull = errors.New("event channel full")
)

const (
	eventTypeSnapshot = "bill_snapshot"
	eventTypeRollover = "billing_rollover"

	resultAccepted = "accepted"
	resultDropped  = "dropped"
	resultRetried  = "retried"
	resultDLQ      = "dlq"
)

type event struct {
	id        string
	eventType string
	topic     string
	key       string
	payload   any
}

// Publisher hands bill snapshots and rollover events to Kafka through an AsyncProducer.
// Failed messages are retried with exponential backoff and finally sent to the DLQ topic.
type Publisher struct {
	kafka  config.KafkaConfig
	cfg    config.PublisherConfig
	logger *zap.Logger
	now    func() time.Time

	producer      sarama.AsyncProducer
	eventChan     chan event
	retryChan     chan *sarama.ProducerMessage
	workerWg      sync.WaitGroup
	retryWorkerWg sync.WaitGroup
	notifyWg      sync.WaitGroup

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	// closeMu guards eventChan against sends after close.
	closeMu sync.RWMutex
	closed  bool

	mu               sync.Mutex
	eventsAccepted   uint64
	eventsDropped    uint64
	kafkaErrors      uint64
	kafkaSuccesses   uint64
	retriesAttempted uint64
	dlqMessagesSent  uint64
}

// New creates a Publisher over producer and starts consuming its notifications.
// Call Start to launch the workers.
func New(kafka config.KafkaConfig, cfg config.PublisherConfig, producer sarama.AsyncProducer, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventChannelCapacity <= 0 {
		cfg.EventChannelCapacity = 1
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.Retry.ChannelCapacity <= 0 {
		cfg.Retry.ChannelCapacity = 1
	}
	if kafka.RolloverTopic == "" {
		kafka.RolloverTopic = kafka.Topic
	}
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	p := &Publisher{
		kafka:          kafka,
		cfg:            cfg,
		logger:         logger,
		now:            time.Now,
		producer:       producer,
		eventChan:      make(chan event, cfg.EventChannelCapacity),
		retryChan:      make(chan *sarama.ProducerMessage, cfg.Retry.ChannelCapacity),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}
	p.notifyWg.Add(1)
	go p.handleProducerNotifications()
	return p
}

// Start launches the worker pools.
func (p *Publisher) Start() {
	p.logger.Info("Starting publisher...",
		zap.Int("num_workers", p.cfg.NumWorkers),
		zap.Int("event_channel_capacity", cap(p.eventChan)),
		zap.Int("retry_channel_capacity", cap(p.retryChan)),
		zap.Int("num_retry_workers", p.cfg.Retry.NumWorkers),
	)
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.workerWg.Add(1)
		go p.worker(i)
	}
	for i := 0; i < p.cfg.Retry.NumWorkers; i++ {
		p.retryWorkerWg.Add(1)
		go p.retryWorker(i)
	}
	p.logger.Info("Publisher started.")
}

// Stop drains queued events into the producer, abandons pending retries and closes the
// producer.
func (p *Publisher) Stop() {
	p.logger.Info("Stopping publisher...")

	p.closeMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.eventChan)
	}
	p.closeMu.Unlock()

	p.workerWg.Wait()
	p.logger.Info("Workers stopped.")

	p.shutdownCancel()
	p.retryWorkerWg.Wait()
	p.notifyWg.Wait()
	p.logger.Info("Retry workers stopped.")

	if err := p.producer.Close(); err != nil {
		p.logger.Error("Error closing Kafka producer", zap.Error(err))
	} else {
		p.logger.Info("Kafka producer closed.")
	}
	p.logger.Info("Publisher stopped.")
}

// PublishSnapshot enqueues the current bill of a restored premise.
func (p *Publisher) PublishSnapshot(ctx context.Context, t *tracker.Tracker, table *rates.Table) error {
	components, ok := t.Bill(table)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnavailable, t.PremiseID())
	}
	state := t.State()
	snap := model.BillSnapshot{
		SnapshotID:  uuid.NewString(),
		PremiseID:   t.PremiseID(),
		TariffMode:  t.Mode(),
		PeriodStart: state.LastReset,
		Energy:      state,
		Components:  components.Rounded(2),
		GeneratedAt: p.now().UTC(),
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	return p.enqueue(ctx, event{
		id:        snap.SnapshotID,
		eventType: eventTypeSnapshot,
		topic:     p.kafka.Topic,
		key:       snap.PremiseID,
		payload:   snap,
	})
}

// PublishRollover enqueues a closed billing period. Its signature matches
// tracker.RolloverHook.
func (p *Publisher) PublishRollover(ev model.RolloverEvent) {
	err := p.enqueue(context.Background(), event{
		id:        uuid.NewString(),
		eventType: eventTypeRollover,
		topic:     p.kafka.RolloverTopic,
		key:       ev.PremiseID,
		payload:   ev,
	})
	if err != nil {
		p.logger.Error("Failed to enqueue rollover event",
			zap.String("premise_id", ev.PremiseID),
			zap.Time("reset_at", ev.ResetAt),
			zap.Error(err),
		)
	}
}

func (p *Publisher) enqueue(ctx context.Context, ev event) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrShuttingDown
	}
	select {
	case p.eventChan <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		// backpressure protection
		p.incrementEventsDropped()
		metrics.IncPublish(ev.topic, resultDropped)
		return ErrQueueFull
	}
}

func (p *Publisher) worker(id int) {
	defer p.workerWg.Done()
	p.logger.Debug("Worker started", zap.Int("worker_id", id))
	for ev := range p.eventChan {
		p.processEvent(ev)
	}
	p.logger.Debug("Event channel closed, worker exiting", zap.Int("worker_id", id))
}

// processEvent converts an event to a Kafka message keyed by premise id.
func (p *Publisher) processEvent(ev event) {
	value, err := json.Marshal(ev.payload)
	if err != nil {
		p.logger.Error("Failed to marshal event to JSON",
			zap.String("event_id", ev.id),
			zap.String("event_type", ev.eventType),
			zap.Error(err),
		)
		p.incrementEventsDropped()
		metrics.IncPublish(ev.topic, resultDropped)
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: ev.topic,
		Key:   sarama.StringEncoder(ev.key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_id"), Value: []byte(ev.id)},
			{Key: []byte("event_type"), Value: []byte(ev.eventType)},
		},
	}

	select {
	case p.producer.Input() <- msg:
		p.incrementEventsAccepted()
		metrics.IncPublish(ev.topic, resultAccepted)
		p.logger.Debug("Event sent to Kafka producer input",
			zap.String("event_id", ev.id),
			zap.String("event_type", ev.eventType),
		)
	default:
		p.logger.Warn("Kafka producer input channel full. Dropping event.",
			zap.String("event_id", ev.id),
			zap.String("topic", ev.topic),
		)
		p.incrementEventsDropped()
		metrics.IncPublish(ev.topic, resultDropped)
	}
}

// handleProducerNotifications processes success and error messages from the producer.
func (p *Publisher) handleProducerNotifications() {
	defer p.notifyWg.Done()
	for {
		select {
		case success, ok := <-p.producer.Successes():
			if !ok {
				return
			}
			p.incrementKafkaSuccesses()
			p.logger.Debug("Message successfully sent to Kafka",
				zap.String("topic", success.Topic),
				zap.Int32("partition", success.Partition),
				zap.Int64("offset", success.Offset),
			)
		case perr, ok := <-p.producer.Errors():
			if !ok {
				return
			}
			p.incrementKafkaErrors()
			metrics.IncPublish(perr.Msg.Topic, metrics.ResultError)
			p.logger.Error("Failed to produce message to Kafka",
				zap.String("topic", perr.Msg.Topic),
				zap.Error(perr.Err),
			)
			p.sendToRetryQueue(perr.Msg)
		case <-p.shutdownCtx.Done():
			return
		}
	}
}

func (p *Publisher) sendToRetryQueue(msg *sarama.ProducerMessage) {
	select {
	case p.retryChan <- msg:
		p.logger.Debug("Message sent to retry queue", zap.String("topic", msg.Topic))
	default:
		p.logger.Error("Retry queue full. Dropping failed message.", zap.String("topic", msg.Topic))
		p.incrementEventsDropped()
		metrics.IncPublish(msg.Topic, resultDropped)
	}
}

func (p *Publisher) retryWorker(id int) {
	defer p.retryWorkerWg.Done()
	for {
		select {
		case msg := <-p.retryChan:
			p.retryMessage(msg)
		case <-p.shutdownCtx.Done():
			p.logger.Debug("Shutdown signal received, retry worker exiting", zap.Int("retry_worker_id", id))
			return
		}
	}
}

// retryBackoff is the delay before attempt n+1, capped and with up to 10% jitter.
func (p *Publisher) retryBackoff(retryCount int) time.Duration {
	rc := p.cfg.Retry
	multiplier := rc.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := time.Duration(float64(rc.InitialBackoff) * math.Pow(multiplier, float64(retryCount)))
	if rc.MaxBackoff > 0 && backoff > rc.MaxBackoff {
		backoff = rc.MaxBackoff
	}
	if jitterRange := int64(backoff / 10); jitterRange > 0 {
		backoff += time.Duration(rand.Int63n(jitterRange))
	}
	return backoff
}

// retryMessage resends a message after a backoff, or moves it to the DLQ once it has
// exhausted its attempts. The attempt count travels in msg.Metadata.
func (p *Publisher) retryMessage(msg *sarama.ProducerMessage) {
	retryCount, ok := msg.Metadata.(int)
	if !ok {
		retryCount = 0
	}

	if retryCount >= p.cfg.Retry.MaxRetries {
		p.logger.Warn("Message exceeded max retry attempts. Sending to DLQ.",
			zap.String("topic", msg.Topic),
			zap.Int("retry_count", retryCount),
		)
		p.sendToDLQ(msg, retryCount)
		return
	}

	backoff := p.retryBackoff(retryCount)
	p.logger.Info("Retrying message",
		zap.String("topic", msg.Topic),
		zap.Int("attempt", retryCount+1),
		zap.Duration("backoff", backoff),
	)

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		msg.Metadata = retryCount + 1
		select {
		case p.producer.Input() <- msg:
			p.incrementRetriesAttempted()
			metrics.IncPublish(msg.Topic, resultRetried)
		default:
			p.logger.Warn("Kafka producer input full during retry. Re-queuing.", zap.String("topic", msg.Topic))
			p.sendToRetryQueue(msg)
		}
	case <-p.shutdownCtx.Done():
		p.logger.Info("Shutdown received during message retry, abandoning.", zap.String("topic", msg.Topic))
	}
}

// sendToDLQ publishes a persistently failed message to the dead-letter topic with its
// origin in the headers.
func (p *Publisher) sendToDLQ(msg *sarama.ProducerMessage, retryCount int) {
	if p.kafka.DLQTopic == "" {
		p.logger.Error("No DLQ topic configured. Dropping message.", zap.String("topic", msg.Topic))
		p.incrementEventsDropped()
		metrics.IncPublish(msg.Topic, resultDropped)
		return
	}
	if msg.Topic == p.kafka.DLQTopic {
		p.logger.Error("DLQ message failed permanently. DATA MAY BE LOST.", zap.String("topic", msg.Topic))
		p.incrementEventsDropped()
		metrics.IncPublish(msg.Topic, resultDropped)
		return
	}

	headers := append([]sarama.RecordHeader{}, msg.Headers...)
	headers = append(headers,
		sarama.RecordHeader{Key: []byte("original_topic"), Value: []byte(msg.Topic)},
		sarama.RecordHeader{Key: []byte("final_retry_count"), Value: []byte(fmt.Sprint(retryCount))},
		sarama.RecordHeader{Key: []byte("dlq_timestamp"), Value: []byte(p.now().UTC().Format(time.RFC3339))},
	)
	dlqMessage := &sarama.ProducerMessage{
		Topic:   p.kafka.DLQTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}

	select {
	case p.producer.Input() <- dlqMessage:
		p.incrementDLQMessagesSent()
		metrics.IncPublish(msg.Topic, resultDLQ)
		p.logger.Info("Message sent to DLQ",
			zap.String("dlq_topic", p.kafka.DLQTopic),
			zap.String("original_topic", msg.Topic),
		)
	default:
		p.logger.Error("CRITICAL: Kafka producer input channel full. FAILED to send message to DLQ. DATA MAY BE LOST.",
			zap.String("dlq_topic", p.kafka.DLQTopic),
			zap.String("original_topic", msg.Topic),
		)
	}
}

func (p *Publisher) incrementEventsAccepted() { p.mu.Lock(); p.eventsAccepted++; p.mu.Unlock() }
func (p *Publisher) incrementEventsDropped()  { p.mu.Lock(); p.eventsDropped++; p.mu.Unlock() }
func (p *Publisher) incrementKafkaErrors()    { p.mu.Lock(); p.kafkaErrors++; p.mu.Unlock() }
func (p *Publisher) incrementKafkaSuccesses() { p.mu.Lock(); p.kafkaSuccesses++; p.mu.Unlock() }
func (p *Publisher) incrementRetriesAttempted() {
	p.mu.Lock()
	p.retriesAttempted++
	p.mu.Unlock()
}
func (p *Publisher) incrementDLQMessagesSent() { p.mu.Lock(); p.dlqMessagesSent++; p.mu.Unlock() }

// Stats returns the current counter values.
func (p *Publisher) Stats() map[string]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]uint64{
		"events_accepted_total":         p.eventsAccepted,
		"events_dropped_total":          p.eventsDropped,
		"kafka_produce_errors_total":    p.kafkaErrors,
		"kafka_produce_successes_total": p.kafkaSuccesses,
		"retries_attempted_total":       p.retriesAttempted,
		"dlq_messages_sent_total":       p.dlqMessagesSent,
	}
}
