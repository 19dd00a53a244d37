package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/amoylab/esilink/internal/common/config"
)

// NewHub creates the live hub selected by configuration
func NewHub(ctx context.Context, logger *zap.Logger, cfg *config.LiveConfig) (Hub, error) {
	logger.Info("Initializing live hub", zap.String("type", cfg.Type))
	switch cfg.Type {
	case config.LiveMemory, "":
		return NewMemoryHub(cfg.QueueSize), nil
	case config.LiveRedis:
		return NewRedisHub(ctx, logger, *cfg)
	default:
		return nil, fmt.Errorf("unsupported live hub type: %s", cfg.Type)
	}
}
