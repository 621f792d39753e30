package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sharetube/cowatch/internal/app"
	"github.com/sharetube/cowatch/pkg/wsconn"
)

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
}

var defaultConn = wsconn.DefaultConfig()

var (
	port = configVar[int]{
		envKey:       "SERVER_PORT",
		flagKey:      "port",
		defaultValue: 3000,
	}
	host = configVar[string]{
		envKey:       "SERVER_HOST",
		flagKey:      "host",
		defaultValue: "0.0.0.0",
	}
	logLevel = configVar[string]{
		envKey:       "SERVER_LOG_LEVEL",
		flagKey:      "log-level",
		defaultValue: "INFO",
	}
	allowedOrigins = configVar[[]string]{
		envKey:       "SERVER_ALLOWED_ORIGINS",
		flagKey:      "allowed-origins",
		defaultValue: []string{"http://localhost:3000"},
	}
	writeWait = configVar[time.Duration]{
		envKey:       "SERVER_WS_WRITE_WAIT",
		flagKey:      "ws-write-wait",
		defaultValue: defaultConn.WriteWait,
	}
	pongWait = configVar[time.Duration]{
		envKey:       "SERVER_WS_PONG_WAIT",
		flagKey:      "ws-pong-wait",
		defaultValue: defaultConn.PongWait,
	}
	pingPeriod = configVar[time.Duration]{
		envKey:       "SERVER_WS_PING_PERIOD",
		flagKey:      "ws-ping-period",
		defaultValue: defaultConn.PingPeriod,
	}
	maxMessageSize = configVar[int64]{
		envKey:       "SERVER_WS_MAX_MESSAGE_SIZE",
		flagKey:      "ws-max-message-size",
		defaultValue: defaultConn.MaxMessageSize,
	}
	sendBuffer = configVar[int]{
		envKey:       "SERVER_WS_SEND_BUFFER",
		flagKey:      "ws-send-buffer",
		defaultValue: defaultConn.SendBuffer,
	}
	metricsEnabled = configVar[bool]{
		envKey:       "SERVER_METRICS_ENABLED",
		flagKey:      "metrics",
		defaultValue: true,
	}
)

func loadAppConfig() *app.AppConfig {
	pflag.Int(port.flagKey, port.defaultValue, "Server port")
	pflag.String(host.flagKey, host.defaultValue, "Server host")
	pflag.String(logLevel.flagKey, logLevel.defaultValue, "Logging level")
	pflag.StringSlice(allowedOrigins.flagKey, allowedOrigins.defaultValue, "Origins allowed to connect, * for any")
	pflag.Duration(writeWait.flagKey, writeWait.defaultValue, "Websocket write deadline")
	pflag.Duration(pongWait.flagKey, pongWait.defaultValue, "Websocket pong deadline")
	pflag.Duration(pingPeriod.flagKey, pingPeriod.defaultValue, "Websocket ping interval")
	pflag.Int64(maxMessageSize.flagKey, maxMessageSize.defaultValue, "Maximum inbound message size in bytes")
	pflag.Int(sendBuffer.flagKey, sendBuffer.defaultValue, "Outbound messages queued per connection")
	pflag.Bool(metricsEnabled.flagKey, metricsEnabled.defaultValue, "Serve prometheus metrics on /metrics")
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)

	viper.BindEnv(port.flagKey, port.envKey)
	viper.BindEnv(host.flagKey, host.envKey)
	viper.BindEnv(logLevel.flagKey, logLevel.envKey)
	viper.BindEnv(allowedOrigins.flagKey, allowedOrigins.envKey)
	viper.BindEnv(writeWait.flagKey, writeWait.envKey)
	viper.BindEnv(pongWait.flagKey, pongWait.envKey)
	viper.BindEnv(pingPeriod.flagKey, pingPeriod.envKey)
	viper.BindEnv(maxMessageSize.flagKey, maxMessageSize.envKey)
	viper.BindEnv(sendBuffer.flagKey, sendBuffer.envKey)
	viper.BindEnv(metricsEnabled.flagKey, metricsEnabled.envKey)

	viper.SetDefault(port.flagKey, port.defaultValue)
	viper.SetDefault(host.flagKey, host.defaultValue)
	viper.SetDefault(logLevel.flagKey, logLevel.defaultValue)
	viper.SetDefault(allowedOrigins.flagKey, allowedOrigins.defaultValue)
	viper.SetDefault(writeWait.flagKey, writeWait.defaultValue)
	viper.SetDefault(pongWait.flagKey, pongWait.defaultValue)
	viper.SetDefault(pingPeriod.flagKey, pingPeriod.defaultValue)
	viper.SetDefault(maxMessageSize.flagKey, maxMessageSize.defaultValue)
	viper.SetDefault(sendBuffer.flagKey, sendBuffer.defaultValue)
	viper.SetDefault(metricsEnabled.flagKey, metricsEnabled.defaultValue)

	config := &app.AppConfig{
		Host:           viper.GetString(host.flagKey),
		Port:           viper.GetInt(port.flagKey),
		LogLevel:       viper.GetString(logLevel.flagKey),
		AllowedOrigins: viper.GetStringSlice(allowedOrigins.flagKey),
		WriteWait:      viper.GetDuration(writeWait.flagKey),
		PongWait:       viper.GetDuration(pongWait.flagKey),
		PingPeriod:     viper.GetDuration(pingPeriod.flagKey),
		MaxMessageSize: viper.GetInt64(maxMessageSize.flagKey),
		SendBuffer:     viper.GetInt(sendBuffer.flagKey),
		MetricsEnabled: viper.GetBool(metricsEnabled.flagKey),
	}

	return config
}

func main() {
	ctx := context.Background()

	appConfig := loadAppConfig()
	if err := appConfig.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	jsonConfig, _ := json.MarshalIndent(appConfig, "", "  ")
	fmt.Printf("starting app with config: %s\n", jsonConfig)

	if err := app.Run(ctx, appConfig); err != nil {
		log.Fatal(err)
	}
}
