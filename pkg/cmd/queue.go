// Package cmd holds the shared construction helpers for the engine binary.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	gochan "github.com/outflowhq/outflow/pkg/channels/gochannel"
	"github.com/outflowhq/outflow/pkg/channels/kafka"
	"github.com/outflowhq/outflow/pkg/queue"
)

// NewJobQueue creates the job queue for the given provider. Kafka is the
// production broker; gochannel is in-process only, for local development.
func NewJobQueue(provider, brokers, serviceName string, logger *slog.Logger) *queue.WatermillJobQueue {
	watermillLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermillLogger, brokers, serviceName)
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return queue.NewWatermillJobQueue(pub, sub, logger)
	case "gochannel":
		pub, sub, err := gochan.CreateChannel(watermillLogger)
		if err != nil {
			panic(fmt.Errorf("failed to create gochannel pub/sub: %w", err))
		}

		return queue.NewWatermillJobQueue(pub, sub, logger)
	default:
		panic("Unsupported queue provider: " + provider)
	}
}
