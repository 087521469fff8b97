package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"simonair-gateway/adapters"
	"simonair-gateway/application"
)

var Flags = []cli.Flag{
	FlagLogLevel,
	FlagLogWriter,
	FlagMQTTUrl,
	FlagMQTTClientIDPrefix,
	FlagMQTTUsername,
	FlagMQTTPassword,
	FlagTopicPrefix,
	FlagReconnectMaxRetries,
	FlagReconnectBaseDelay,
	FlagPublishRetries,
	FlagPublishRetryDelay,
	FlagAckTimeout,
	FlagThrottleWindow,
	FlagSQLitePath,
	FlagInfluxURL,
	FlagInfluxToken,
	FlagInfluxOrg,
	FlagInfluxBucket,
	FlagHTTPAddr,
}

func main() {
	var logger zerolog.Logger

	app := cli.App{
		Name:    "simonair-gateway",
		Version: "v0.1.0",
		Flags:   Flags,
		Before: func(ctx *cli.Context) error {
			var logWriter io.Writer
			if ctx.String(FlagLogWriter.Name) == "console" {
				logWriter = zerolog.ConsoleWriter{
					Out:        os.Stderr,
					TimeFormat: time.RFC3339Nano,
				}
			} else if ctx.String(FlagLogWriter.Name) == "json" {
				logWriter = os.Stderr
			}

			logger = zerolog.New(logWriter).With().Timestamp().
				Str("service", "simonair-gateway").
				Str("module", "main").
				Logger()

			level, err := zerolog.ParseLevel(ctx.String(FlagLogLevel.Name))
			if err != nil {
				return err
			}

			zerolog.SetGlobalLevel(level)

			return nil
		},
		Action: func(ctx *cli.Context) error {
			logger.Info().Msg("service starting...")

			appCtx, cancel := context.WithCancel(logger.WithContext(context.Background()))
			defer cancel()
			go func() {
				c := make(chan os.Signal, 1)
				signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

				<-c

				logger.Warn().Msg("interrupt signal received")
				cancel()
			}()

			store, err := adapters.NewSQLiteStore(adapters.SQLiteStoreParams{
				Path: ctx.String(FlagSQLitePath.Name),
				Log:  logger.With().Str("module", "sqlite").Logger(),
			})
			if err != nil {
				return err
			}
			defer store.Close()

			sinks := []application.ReadingSink{store}
			if ctx.String(FlagInfluxURL.Name) != "" {
				influx, err := adapters.NewInfluxWriter(adapters.InfluxWriterParams{
					URL:    ctx.String(FlagInfluxURL.Name),
					Token:  ctx.String(FlagInfluxToken.Name),
					Org:    ctx.String(FlagInfluxOrg.Name),
					Bucket: ctx.String(FlagInfluxBucket.Name),
					Log:    logger.With().Str("module", "influx").Logger(),
				})
				if err != nil {
					return err
				}
				defer influx.Close()
				sinks = append(sinks, influx)
			}

			hub := adapters.NewHub(logger.With().Str("module", "ws-hub").Logger())

			mqttClient := adapters.NewMQTTClient(adapters.MQTTClientParams{
				BrokerURL:           ctx.String(FlagMQTTUrl.Name),
				ClientIDPrefix:      ctx.String(FlagMQTTClientIDPrefix.Name),
				Username:            ctx.String(FlagMQTTUsername.Name),
				Password:            ctx.String(FlagMQTTPassword.Name),
				ReconnectMaxRetries: ctx.Int(FlagReconnectMaxRetries.Name),
				ReconnectBaseDelay:  ctx.Duration(FlagReconnectBaseDelay.Name),
				Log:                 logger.With().Str("module", "mqtt-client").Logger(),
			})

			publisher, err := application.NewPublisher(application.PublisherParams{
				Client:     mqttClient,
				MaxRetries: ctx.Int(FlagPublishRetries.Name),
				RetryDelay: ctx.Duration(FlagPublishRetryDelay.Name),
				Log:        logger.With().Str("module", "publisher").Logger(),
			})
			if err != nil {
				return err
			}

			correlator, err := application.NewAckCorrelator(application.AckCorrelatorParams{
				Publisher: publisher,
				Commands:  store,
				Broadcast: hub,
				Timeout:   ctx.Duration(FlagAckTimeout.Name),
				Log:       logger.With().Str("module", "ack-correlator").Logger(),
			})
			if err != nil {
				return err
			}

			commands, err := application.NewCommandService(application.CommandServiceParams{
				Publisher:   publisher,
				Correlator:  correlator,
				Commands:    store,
				Thresholds:  store,
				TopicPrefix: ctx.String(FlagTopicPrefix.Name),
				Log:         logger.With().Str("module", "commands").Logger(),
			})
			if err != nil {
				return err
			}

			throttle := application.NewThrottleCache(ctx.Duration(FlagThrottleWindow.Name))
			alerts := adapters.NewThresholdAlerts(store, hub, logger.With().Str("module", "alerts").Logger())

			ingestor, err := application.NewTelemetryIngestor(application.TelemetryIngestorParams{
				Devices:   store,
				Sinks:     sinks,
				Alerts:    alerts,
				Broadcast: hub,
				Throttle:  throttle,
				Log:       logger.With().Str("module", "ingestor").Logger(),
			})
			if err != nil {
				return err
			}

			dispatcher := application.NewDispatcher(application.DispatcherParams{
				Telemetry: ingestor,
				Acks:      correlator,
				Log:       logger.With().Str("module", "dispatcher").Logger(),
			})

			gateway, err := application.NewGatewayService(application.GatewayServiceParams{
				Client:      mqttClient,
				Dispatcher:  dispatcher,
				Publisher:   publisher,
				Throttle:    throttle,
				TopicPrefix: ctx.String(FlagTopicPrefix.Name),
				Log:         logger.With().Str("module", "gateway").Logger(),
			})
			if err != nil {
				return err
			}

			router := adapters.NewRouter(adapters.RouterParams{
				Client:   mqttClient,
				Hub:      hub,
				Commands: commands,
				Log:      logger.With().Str("module", "http").Logger(),
			})

			logger.Info().Msg("service started")

			g, runCtx := errgroup.WithContext(appCtx)
			g.Go(func() error {
				return gateway.Run(runCtx)
			})
			g.Go(func() error {
				return hub.Run(runCtx)
			})
			g.Go(func() error {
				return adapters.RunHTTPServer(runCtx, ctx.String(FlagHTTPAddr.Name), router,
					logger.With().Str("module", "http").Logger())
			})

			err = g.Wait()

			logger.Info().Msg("service terminating...")
			return err
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Err(err).Msg("service terminated")
	}
}
