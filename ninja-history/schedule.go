package main

import (
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartExpireSchedule runs expirer every interval, starting now.
func StartExpireSchedule(expirer *Expirer, interval time.Duration) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(expirer.Task),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		scheduler.Shutdown()
		return nil, err
	}
	scheduler.Start()
	return scheduler, nil
}

func StopScheduler(scheduler gocron.Scheduler, logger *slog.Logger) {
	if err := scheduler.Shutdown(); err != nil {
		logger.Warn("stopping scheduler", "err", err)
	}
}
