package application

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

const (
	PublisherDefaultMaxRetries = 3
	PublisherDefaultRetryDelay = 2 * time.Second
)

var (
	ErrPublishExhausted = fmt.Errorf("publish retries exhausted")
	ErrPublishCancelled = fmt.Errorf("publish cancelled")
)

type PublisherParams struct {
	Client MQTTClient

	// MaxRetries is the total number of publish attempts per message.
	MaxRetries int
	RetryDelay time.Duration

	Log zerolog.Logger
}

func (p *PublisherParams) EnsureDefaults() {
	if p.MaxRetries == 0 {
		p.MaxRetries = PublisherDefaultMaxRetries
	}
	if p.RetryDelay == 0 {
		p.RetryDelay = PublisherDefaultRetryDelay
	}
}

// Publisher delivers serialized commands to topics, retrying transient
// broker failures on a background goroutine so callers are never blocked
// for the full retry duration.
type Publisher struct {
	params PublisherParams

	wg  *conc.WaitGroup
	log zerolog.Logger
}

func NewPublisher(params PublisherParams) (*Publisher, error) {
	if params.Client == nil {
		return nil, fmt.Errorf("MQTTClient is nil")
	}
	params.EnsureDefaults()

	return &Publisher{
		params: params,
		wg:     conc.NewWaitGroup(),
		log:    params.Log,
	}, nil
}

// Publish makes a single delivery attempt. Callers that only need to know
// whether the message reached the broker use this directly.
func (p *Publisher) Publish(topic string, payload []byte, qos byte) error {
	return p.params.Client.Publish(topic, qos, false, payload)
}

// PublishWithRetry schedules delivery with bounded retries and returns a
// channel that receives the final outcome. The channel is buffered; callers
// may ignore it for fire-and-forget semantics.
func (p *Publisher) PublishWithRetry(ctx context.Context, topic string, payload []byte, qos byte) <-chan error {
	result := make(chan error, 1)
	p.wg.Go(func() {
		result <- p.retryLoop(ctx, topic, payload, qos)
	})
	return result
}

// PublishWithRetryWait blocks until delivery succeeds or the retry budget
// is exhausted.
func (p *Publisher) PublishWithRetryWait(ctx context.Context, topic string, payload []byte, qos byte) error {
	return <-p.PublishWithRetry(ctx, topic, payload, qos)
}

// Wait blocks until all in-flight deliveries have finished. Used on
// shutdown.
func (p *Publisher) Wait() {
	p.wg.Wait()
}

func (p *Publisher) retryLoop(ctx context.Context, topic string, payload []byte, qos byte) error {
	var lastErr error

	for attempt := 1; attempt <= p.params.MaxRetries; attempt++ {
		lastErr = p.params.Client.Publish(topic, qos, false, payload)
		if lastErr == nil {
			if attempt > 1 {
				p.log.Info().Str("topic", topic).Int("attempt", attempt).Msg("publish succeeded after retry")
			}
			return nil
		}

		p.log.Warn().Err(lastErr).
			Str("topic", topic).
			Int("attempt", attempt).
			Int("max_retries", p.params.MaxRetries).
			Msg("publish attempt failed")

		if attempt == p.params.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrPublishCancelled, ctx.Err())
		case <-time.After(p.params.RetryDelay):
		}
	}

	p.log.Error().Err(lastErr).Str("topic", topic).Msg("publish failed, retries exhausted")
	return fmt.Errorf("%w: %v", ErrPublishExhausted, lastErr)
}
