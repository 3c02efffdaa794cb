package events

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opencode-mem/memoryd/internal/config"
	"github.com/opencode-mem/memoryd/internal/model"
)

// Publisher is the narrow contract internal/observation.EventPublisher
// names, repeated here structurally so this package doesn't need to import
// internal/observation just for its type.
type Publisher interface {
	PublishObservationCreated(ctx context.Context, o *model.Observation) error
}

// New selects the configured backend: Postgres LISTEN/NOTIFY by default, or
// Kafka when cfg.Backend is "kafka" (SPEC_FULL §5). Unrecognized values
// already fall back to "postgres" in config.Validate, so this only ever
// sees the two known values.
func New(cfg config.EventsConfig, pool *pgxpool.Pool) Publisher {
	if cfg.Backend == "kafka" {
		slog.Info("events: publishing via kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	slog.Info("events: publishing via postgres listen/notify")
	return NewPostgresPublisher(pool)
}
