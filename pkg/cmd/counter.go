package cmd

import (
	"context"
	"fmt"

	"github.com/outflowhq/outflow/pkg/counter"
)

// NewCounterStore connects the shared counter store backing run tracking.
func NewCounterStore(ctx context.Context, redisURL string) counter.Store {
	store, err := counter.NewRedisStore(ctx, redisURL)
	if err != nil {
		panic(fmt.Errorf("failed to connect counter store: %w", err))
	}

	return store
}
