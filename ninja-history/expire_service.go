package main

import (
	"log/slog"
	"time"

	"github.com/tevino/abool/v2"

	ninja_go "ninja-hashbuild/ninja-go"
)

// Expirer soft-deletes builds older than the retention window.
type Expirer struct {
	history   *ninja_go.HistoryStore
	retention time.Duration
	logger    *slog.Logger
	running   *abool.AtomicBool
	now       func() time.Time
}

func NewExpirer(history *ninja_go.HistoryStore, retention time.Duration, logger *slog.Logger) *Expirer {
	return &Expirer{
		history:   history,
		retention: retention,
		logger:    logger,
		running:   abool.New(),
		now:       time.Now,
	}
}

// Expire runs one expiry pass and returns how many builds it removed.
func (e *Expirer) Expire() (int64, error) {
	return e.history.Expire(e.now().Add(-e.retention))
}

// Task is the scheduled form of Expire. A pass that is still running makes
// the next one a no-op.
func (e *Expirer) Task() {
	if !e.running.SetToIf(false, true) {
		return
	}
	defer e.running.UnSet()
	expired, err := e.Expire()
	if err != nil {
		e.logger.Error("expire failed", "err", err)
		return
	}
	if expired > 0 {
		e.logger.Info("expired builds", "count", expired, "retention", e.retention)
	}
}
