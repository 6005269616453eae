package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/turingfp/micropay/internal/infrastructure/observability"
	infraRedis "github.com/turingfp/micropay/internal/infrastructure/redis"
	"github.com/turingfp/micropay/pkg/callback"
	perrors "github.com/turingfp/micropay/pkg/errors"
)

// Stream is the consumer side of the queued callback stream.
type Stream interface {
	Stream() string
	Read(ctx context.Context) ([]infraRedis.Message, error)
	ClaimStale(ctx context.Context, minIdle time.Duration) ([]infraRedis.Message, error)
	Ack(ctx context.Context, ids ...string) error
}

type DeadLetterer interface {
	DeadLetter(ctx context.Context, ev callback.Event, reason string) error
}

type ConsumerConfig struct {
	// ClaimAfter is how long an unacked entry stays with its reader before
	// another consumer takes it over.
	ClaimAfter time.Duration
	// MaxAttempts bounds deliveries of an entry that keeps failing
	// transiently.
	MaxAttempts int
	// RetryDelay is the pause after a failed read.
	RetryDelay time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{ClaimAfter: time.Minute, MaxAttempts: 5, RetryDelay: time.Second}
}

// CallbackConsumer applies queued callback events through the processor.
// Entries are acked once applied or dead-lettered; transient failures stay
// pending and are reclaimed later.
type CallbackConsumer struct {
	stream    Stream
	processor callback.Processor
	dlq       DeadLetterer
	metrics   *observability.Metrics
	logger    zerolog.Logger
	cfg       ConsumerConfig

	attempts map[string]int
}

func NewCallbackConsumer(
	stream Stream,
	processor callback.Processor,
	dlq DeadLetterer,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg ConsumerConfig,
) *CallbackConsumer {
	def := DefaultConsumerConfig()
	if cfg.ClaimAfter <= 0 {
		cfg.ClaimAfter = def.ClaimAfter
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &CallbackConsumer{
		stream:    stream,
		processor: processor,
		dlq:       dlq,
		metrics:   metrics,
		logger:    logger.With().Str("component", "callback_consumer").Str("stream", stream.Stream()).Logger(),
		cfg:       cfg,
		attempts:  make(map[string]int),
	}
}

// Run reads until ctx is done, reclaiming stale entries between reads.
func (c *CallbackConsumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("callback consumer started")
	lastClaim := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Since(lastClaim) >= c.cfg.ClaimAfter {
			lastClaim = time.Now()
			msgs, err := c.stream.ClaimStale(ctx, c.cfg.ClaimAfter)
			if err != nil {
				c.logger.Error().Err(err).Msg("failed to claim stale entries")
			} else if len(msgs) > 0 {
				c.logger.Info().Int("count", len(msgs)).Msg("reclaimed stale entries")
				c.Handle(ctx, msgs)
			}
		}

		msgs, err := c.stream.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Msg("failed to read from stream")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.RetryDelay):
			}
			continue
		}
		c.Handle(ctx, msgs)
	}
}

// Handle applies a batch of entries.
func (c *CallbackConsumer) Handle(ctx context.Context, msgs []infraRedis.Message) {
	for _, msg := range msgs {
		start := time.Now()
		status := c.handleOne(ctx, msg)
		if c.metrics != nil {
			c.metrics.WorkerMessagesProcessed.WithLabelValues(c.stream.Stream(), status).Inc()
			c.metrics.WorkerProcessingDuration.WithLabelValues(c.stream.Stream()).Observe(time.Since(start).Seconds())
		}
	}
}

// Per-entry outcomes, used as the status label.
const (
	statusSuccess    = "success"
	statusRetry      = "retry"
	statusDeadLetter = "dead_letter"
)

func (c *CallbackConsumer) handleOne(ctx context.Context, msg infraRedis.Message) string {
	log := c.logger.With().Str("message_id", msg.ID).Logger()

	if msg.Err != nil {
		log.Error().Err(msg.Err).Msg("undecodable stream entry")
		return c.deadLetter(ctx, msg, msg.Err.Error())
	}

	log = log.With().
		Str("event_type", string(msg.Event.Type)).
		Str("transaction_id", msg.Event.TransactionID).
		Logger()

	err := c.processor.HandleEvent(ctx, msg.Event)
	if err == nil {
		delete(c.attempts, msg.ID)
		c.ack(ctx, msg.ID)
		log.Debug().Msg("callback event applied")
		return statusSuccess
	}

	if Permanent(err) {
		log.Warn().Err(err).Msg("callback event rejected")
		return c.deadLetter(ctx, msg, err.Error())
	}

	c.attempts[msg.ID]++
	if c.attempts[msg.ID] >= c.cfg.MaxAttempts {
		log.Error().Err(err).Int("attempts", c.attempts[msg.ID]).Msg("callback event exhausted retries")
		return c.deadLetter(ctx, msg, err.Error())
	}
	log.Warn().Err(err).Int("attempts", c.attempts[msg.ID]).Msg("callback event failed, will retry")
	return statusRetry
}

func (c *CallbackConsumer) deadLetter(ctx context.Context, msg infraRedis.Message, reason string) string {
	if err := c.dlq.DeadLetter(ctx, msg.Event, reason); err != nil {
		// Leave the entry pending so it is retried rather than lost.
		c.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to dead-letter entry")
		return statusRetry
	}
	delete(c.attempts, msg.ID)
	c.ack(ctx, msg.ID)
	return statusDeadLetter
}

func (c *CallbackConsumer) ack(ctx context.Context, id string) {
	if err := c.stream.Ack(ctx, id); err != nil {
		c.logger.Error().Err(err).Str("message_id", id).Msg("failed to ack entry")
	}
}

// Permanent reports whether redelivering an event can never succeed.
func Permanent(err error) bool {
	switch {
	case errors.Is(err, perrors.ErrTransactionNotFound),
		errors.Is(err, perrors.ErrSessionNotFound),
		errors.Is(err, perrors.ErrConflictingResolution),
		errors.Is(err, perrors.ErrInvalidStateTransition):
		return true
	}
	code := perrors.CodeOf(err)
	return code == perrors.CodeValidation || code == perrors.CodePayment
}
