package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

var FlagLogLevel = &cli.StringFlag{
	Name:     "log-level",
	EnvVars:  []string{"LOG_LEVEL"},
	Value:    "info",
	Required: false,
}

var FlagLogWriter = &cli.StringFlag{
	Name:     "log-writer",
	EnvVars:  []string{"LOG_WRITER"},
	Value:    "console",
	Required: false,
}

var FlagMQTTUrl = &cli.StringFlag{
	Name:     "mqtt-url",
	Usage:    "tcp://broker:port",
	EnvVars:  []string{"MQTT_URL"},
	Required: true,
}

var FlagMQTTClientIDPrefix = &cli.StringFlag{
	Name:     "mqtt-client-id-prefix",
	EnvVars:  []string{"MQTT_CLIENT_ID_PREFIX"},
	Value:    "simonair-gateway",
	Required: false,
}

var FlagMQTTUsername = &cli.StringFlag{
	Name:     "mqtt-username",
	EnvVars:  []string{"MQTT_USERNAME"},
	Required: false,
}

var FlagMQTTPassword = &cli.StringFlag{
	Name:     "mqtt-password",
	EnvVars:  []string{"MQTT_PASSWORD"},
	Required: false,
}

var FlagTopicPrefix = &cli.StringFlag{
	Name:     "topic-prefix",
	EnvVars:  []string{"TOPIC_PREFIX"},
	Value:    "simonair/",
	Required: false,
}

var FlagReconnectMaxRetries = &cli.IntFlag{
	Name:     "reconnect-max-retries",
	EnvVars:  []string{"RECONNECT_MAX_RETRIES"},
	Value:    3,
	Required: false,
}

var FlagReconnectBaseDelay = &cli.DurationFlag{
	Name:     "reconnect-base-delay",
	EnvVars:  []string{"RECONNECT_BASE_DELAY"},
	Value:    5 * time.Second,
	Required: false,
}

var FlagPublishRetries = &cli.IntFlag{
	Name:     "publish-retries",
	EnvVars:  []string{"PUBLISH_RETRIES"},
	Value:    3,
	Required: false,
}

var FlagPublishRetryDelay = &cli.DurationFlag{
	Name:     "publish-retry-delay",
	EnvVars:  []string{"PUBLISH_RETRY_DELAY"},
	Value:    2 * time.Second,
	Required: false,
}

var FlagAckTimeout = &cli.DurationFlag{
	Name:     "ack-timeout",
	EnvVars:  []string{"ACK_TIMEOUT"},
	Value:    30 * time.Second,
	Required: false,
}

var FlagThrottleWindow = &cli.DurationFlag{
	Name:     "throttle-window",
	EnvVars:  []string{"THROTTLE_WINDOW"},
	Value:    10 * time.Second,
	Required: false,
}

var FlagSQLitePath = &cli.StringFlag{
	Name:     "sqlite-path",
	EnvVars:  []string{"SQLITE_PATH"},
	Value:    "simonair.db",
	Required: false,
}

var FlagInfluxURL = &cli.StringFlag{
	Name:     "influx-url",
	Usage:    "optional time-series mirror for readings",
	EnvVars:  []string{"INFLUX_URL"},
	Required: false,
}

var FlagInfluxToken = &cli.StringFlag{
	Name:     "influx-token",
	EnvVars:  []string{"INFLUX_TOKEN"},
	Required: false,
}

var FlagInfluxOrg = &cli.StringFlag{
	Name:     "influx-org",
	EnvVars:  []string{"INFLUX_ORG"},
	Required: false,
}

var FlagInfluxBucket = &cli.StringFlag{
	Name:     "influx-bucket",
	EnvVars:  []string{"INFLUX_BUCKET"},
	Required: false,
}

var FlagHTTPAddr = &cli.StringFlag{
	Name:     "http-addr",
	EnvVars:  []string{"HTTP_ADDR"},
	Value:    ":8090",
	Required: false,
}
