package outbox

import (
	"context"
	"log"
	"time"
)

type Scheduler struct {
	dispatcher *Dispatcher
	interval   time.Duration
}

func NewScheduler(d *Dispatcher, interval time.Duration) *Scheduler {
	return &Scheduler{dispatcher: d, interval: interval}
}

func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Printf("outbox scheduler stopped")
				return
			case <-ticker.C:
				n, err := s.dispatcher.DispatchOnce(ctx)
				if err != nil {
					log.Printf("outbox dispatch error: %v", err)
				} else if n > 0 {
					log.Printf("outbox dispatch processed %d tasks", n)
				}
			}
		}
	}()
}
