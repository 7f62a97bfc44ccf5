package trades

import (
	"context"
	"sync"

	"github.com/ZhaslanToishybayev/steammarket/internal/logging"
)

// Scheduler fans trade progression out to a small worker pool so HTTP
// handlers never wait on Steam. It satisfies TaskQueue.
type Scheduler struct {
	engine  *Engine
	tasks   chan string
	workers int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewScheduler(engine *Engine, workers, backlog int) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	if backlog <= 0 {
		backlog = 256
	}
	return &Scheduler{
		engine:  engine,
		tasks:   make(chan string, backlog),
		workers: workers,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Enqueue schedules a trade for progression. A full backlog drops the task;
// the reconciler picks stalled trades up anyway.
func (s *Scheduler) Enqueue(uuid string) {
	select {
	case s.tasks <- uuid:
	case <-s.stop:
	default:
		logging.L(context.Background()).Warn("trade task backlog full, dropping", "trade_uuid", uuid)
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx)
		}()
	}
	go func() {
		wg.Wait()
		close(s.done)
	}()
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case uuid := <-s.tasks:
			s.run(ctx, uuid)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, uuid string) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("trade worker panicked", "trade_uuid", uuid, "panic", r)
		}
	}()
	if err := s.engine.Progress(ctx, uuid); err != nil {
		logging.L(ctx).Error("progressing trade", "trade_uuid", uuid, "error", err)
	}
}
