package config

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Reloader re-runs a Loader on a cron schedule and swaps the result into
// a Holder. A failed reload keeps the previous snapshot.
type Reloader struct {
	loader   *Loader
	holder   *Holder
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
	onSwap   []func(old, cur *Snapshot)
}

// NewReloader creates a Reloader. An empty schedule defaults to "@every 1h".
func NewReloader(loader *Loader, holder *Holder, schedule string, logger *slog.Logger) *Reloader {
	if schedule == "" {
		schedule = "@every 1h"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{loader: loader, holder: holder, schedule: schedule, logger: logger}
}

// OnSwap registers fn to run after every successful reload.
func (r *Reloader) OnSwap(fn func(old, cur *Snapshot)) {
	r.onSwap = append(r.onSwap, fn)
}

// Start schedules periodic reloads.
func (r *Reloader) Start() error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, func() { _ = r.Reload() }); err != nil { //nolint:errcheck // logged in Reload
		return err
	}
	r.cron.Start()
	r.logger.Info("config reloader started", "schedule", r.schedule)
	return nil
}

// Stop cancels future reloads and waits for a running one to finish.
func (r *Reloader) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// Reload loads a fresh snapshot and installs it.
func (r *Reloader) Reload() error {
	next, err := r.loader.Snapshot()
	if err != nil {
		r.logger.Error("config reload failed, keeping previous snapshot", "error", err)
		return err
	}

	old := r.holder.Swap(next)
	r.logger.Info("config reloaded",
		"model", next.Model,
		"maintenance", next.Maintenance,
		"keys", len(next.Keys),
	)
	for _, fn := range r.onSwap {
		fn(old, next)
	}
	return nil
}
