package main

// nodesim plays the AC relay and the temperature/LCD node against a running
// controller through the same MQTT bridge the radio gateway uses.
//
//   go run ./cmd/nodesim --broker tcp://localhost:1883
//   go run ./cmd/nodesim --silence-after 30s   # trigger the safety shutoff

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/meshctl/internal/logger"
	"github.com/ChuLiYu/meshctl/internal/nodesim"
	"github.com/ChuLiYu/meshctl/internal/transport"
	"github.com/ChuLiYu/meshctl/pkg/types"
)

func main() {
	var (
		broker       string
		prefix       string
		actuatorID   uint8
		sensorID     uint8
		startTemp    float64
		report       time.Duration
		silenceAfter time.Duration
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:          "nodesim",
		Short:        "Simulate the AC relay and temperature nodes over MQTT",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New(logLevel, "console", "nodesim")
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dial := func(id uint8) (*transport.MQTT, error) {
				return transport.DialMQTT(ctx, transport.MQTTConfig{
					Broker:      broker,
					ClientID:    fmt.Sprintf("nodesim-%d", id),
					TopicPrefix: prefix,
					QoS:         1,
				}, types.NodeID(id), 3, 2*time.Second, log)
			}

			actuatorTr, err := dial(actuatorID)
			if err != nil {
				return err
			}
			defer actuatorTr.Close()

			sensorTr, err := dial(sensorID)
			if err != nil {
				return err
			}
			defer sensorTr.Close()

			sensor := nodesim.NewSensor(sensorTr, startTemp, time.Now().UnixNano(), log.Named("sensor"))
			actuator := nodesim.NewActuator(actuatorTr, log.Named("actuator"))

			log.Info("Simulation started",
				zap.Uint8("actuator", actuatorID),
				zap.Uint8("sensor", sensorID),
				zap.Duration("report", report))
			return nodesim.Run(ctx, sensor, actuator, nodesim.Options{
				ReportInterval: report,
				SilenceAfter:   silenceAfter,
			}, log)
		},
	}

	cmd.Flags().StringVar(&broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	cmd.Flags().StringVar(&prefix, "topic-prefix", "mesh", "MQTT topic prefix")
	cmd.Flags().Uint8Var(&actuatorID, "actuator", 1, "AC relay node id")
	cmd.Flags().Uint8Var(&sensorID, "sensor", 2, "temperature node id")
	cmd.Flags().Float64Var(&startTemp, "temp", 76, "starting temperature")
	cmd.Flags().DurationVar(&report, "report", 5*time.Second, "temperature report interval")
	cmd.Flags().DurationVar(&silenceAfter, "silence-after", 0, "stop temperature reports after this long (0 = never)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
