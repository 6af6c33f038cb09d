package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor purges expired idempotency records on an interval
type Processor struct {
	db           *Database
	processDelay time.Duration // Time between housekeeping runs
	now          func() time.Time
}

func NewProcessor(db *Database, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Processor{
		db:           db,
		processDelay: interval,
		now:          time.Now,
	}
}

// Start runs housekeeping until ctx is cancelled
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "trading_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting housekeeping processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down housekeeping processor")
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to purge expired idempotency records")
			}
		}
	}
}

// RunOnce purges records that expired before now and returns how many went
func (p *Processor) RunOnce(ctx context.Context) (int64, error) {
	purged, err := p.db.PurgeExpiredIdempotency(ctx, p.now())
	if err != nil {
		return 0, err
	}

	if purged > 0 {
		log.Info().
			Str("component", "trading_processor").
			Int64("purged", purged).
			Msg("purged expired idempotency records")
	}
	return purged, nil
}
