package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const ServiceDefaultReportInterval = 30 * time.Second

type GatewayService interface {
	Run(ctx context.Context) error
}

type GatewayServiceParams struct {
	Client     MQTTClient
	Dispatcher *Dispatcher
	Publisher  *Publisher
	Throttle   *ThrottleCache

	TopicPrefix    string
	ReportInterval time.Duration

	Log zerolog.Logger
}

func (p *GatewayServiceParams) EnsureDefaults() {
	if p.TopicPrefix == "" {
		p.TopicPrefix = DefaultTopicPrefix
	}
	if p.ReportInterval == 0 {
		p.ReportInterval = ServiceDefaultReportInterval
	}
}

type gatewayService struct {
	params GatewayServiceParams
	log    zerolog.Logger
}

func NewGatewayService(params GatewayServiceParams) (GatewayService, error) {
	if params.Client == nil {
		return nil, fmt.Errorf("MQTTClient is nil")
	}
	if params.Dispatcher == nil {
		return nil, fmt.Errorf("Dispatcher is nil")
	}
	if params.Throttle == nil {
		return nil, fmt.Errorf("ThrottleCache is nil")
	}
	params.EnsureDefaults()

	return &gatewayService{params: params, log: params.Log}, nil
}

// Run connects to the broker, establishes the three gateway subscriptions,
// and blocks until the context is cancelled.
func (s *gatewayService) Run(ctx context.Context) error {
	if err := s.params.Client.Connect(); err != nil {
		// Reconnect policy is already running inside the transport; the
		// service stays up so health reporting keeps working.
		s.log.Error().Err(err).Msg("initial broker connect failed")
	}

	if err := s.subscribeAll(); err != nil {
		s.log.Error().Err(err).Msg("initial subscription setup failed")
	}

	g, ctx := errgroup.WithContext(ctx)

	// periodic health/status report
	g.Go(func() error {
		ticker := time.NewTicker(s.params.ReportInterval)
		defer ticker.Stop()

		lastStatus := MQTTStatus{}

	ReporterLoop:
		for {
			select {
			case <-ctx.Done():
				break ReporterLoop
			case <-ticker.C:
				newStatus := s.params.Client.Status()
				health := s.params.Client.Health()

				s.log.Info().
					Str("status", health.Status).
					Bool("is_connected", newStatus.Connected).
					Int("retry_count", health.RetryCount).
					Uint64("published", newStatus.MessageCount-lastStatus.MessageCount).
					Dur("uptime", health.Uptime).
					Msg("gateway report")
				lastStatus = newStatus
			}
		}

		return nil
	})

	// throttle window expiry
	g.Go(func() error {
		return s.params.Throttle.Run(ctx)
	})

	// shutdown path
	g.Go(func() error {
		<-ctx.Done()

		if s.params.Publisher != nil {
			s.params.Publisher.Wait()
		}
		s.params.Dispatcher.Close()
		return s.params.Client.Close()
	})

	return g.Wait()
}

// Subscription patterns: one level of wildcard for the device id under the
// configured prefix, at-least-once delivery for all three.
func (s *gatewayService) subscribeAll() error {
	topics := []string{
		s.params.TopicPrefix + "+/data",
		s.params.TopicPrefix + "+/calibrate/ack",
		s.params.TopicPrefix + "+/offset/ack",
	}

	// Every topic is attempted even when one fails: the transport records
	// failed subscriptions and restores them on reconnect, so a broker that
	// is down here must still see all three patterns registered.
	var errs []error
	for _, topic := range topics {
		if err := s.params.Client.Subscribe(topic, 1, s.params.Dispatcher.HandleMessage); err != nil {
			s.log.Warn().Err(err).Str("topic", topic).Msg("subscribe failed, will retry on reconnect")
			errs = append(errs, fmt.Errorf("subscribe %s: %w", topic, err))
			continue
		}
		s.log.Info().Str("topic", topic).Msg("subscribed")
	}
	return errors.Join(errs...)
}
