package jobs

import (
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"veilchat/internal/services"
)

// Scheduler runs the sync core's periodic maintenance: reaping sessions
// that stopped answering heartbeats and logging cache effectiveness.
type Scheduler struct {
	scheduler gocron.Scheduler
}

// NewScheduler builds and registers all periodic jobs.
func NewScheduler(conns *services.ConnectionManager, cache *services.CacheTier, metrics *services.Metrics, heartbeat time.Duration, missThreshold int) (*Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	maxIdle := heartbeat * time.Duration(missThreshold)
	_, err = s.NewJob(
		gocron.DurationJob(heartbeat),
		gocron.NewTask(func() {
			if reaped := conns.ReapIdle(maxIdle); reaped > 0 {
				log.Printf("🧹 Reaped %d idle sessions", reaped)
				if metrics != nil {
					metrics.SessionsReaped.Add(float64(reaped))
				}
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register reaper job: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(5*time.Minute),
		gocron.NewTask(func() {
			stats := cache.Stats()
			log.Printf("📊 Cache stats: hot %d/%d hits, warm %d/%d hits",
				stats.HotHits, stats.HotHits+stats.HotMisses,
				stats.WarmHits, stats.WarmHits+stats.WarmMisses)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register stats job: %w", err)
	}

	return &Scheduler{scheduler: s}, nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	log.Println("⏰ Maintenance scheduler started")
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
