package notify

import (
	"context"
	"log/slog"
	"time"
)

const purgeInterval = time.Hour

// Purger drops notifications older than the retention window, whatever
// their status. A user away longer than the window loses the backlog.
type Purger struct {
	store  Store
	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}
}

func NewPurger(store Store, logger *slog.Logger) *Purger {
	return &Purger{
		store:  store,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (p *Purger) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(purgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.safeRun(ctx)
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Purger) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Purger) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("notification purge panicked", "panic", r)
		}
	}()
	n, err := p.store.PurgeOlderThan(ctx, time.Now().Add(-Retention))
	if err != nil {
		p.logger.Error("purging notifications", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("purged notifications", "count", n)
	}
}
