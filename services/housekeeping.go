package services

import (
	"context"
	"log"
	"time"
)

// Housekeeper periodically queues the stale session sweep.
type Housekeeper struct {
	queue    Queue
	interval time.Duration
}

func NewHousekeeper(queue Queue, interval time.Duration) *Housekeeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Housekeeper{queue: queue, interval: interval}
}

// Run blocks until ctx is cancelled.
func (h *Housekeeper) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.queue.Enqueue(ctx, TaskDeleteStaleSessions, TaskArgs{}); err != nil {
				log.Printf("housekeeping | enqueue %s: %v", TaskDeleteStaleSessions, err)
			}
		}
	}
}
