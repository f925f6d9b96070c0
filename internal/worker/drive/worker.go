// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package drive

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"bsud/internal/cloud"
	"bsud/internal/mount"
)

const (
	// defaultInterval paces reconcile cycles in steady state.
	defaultInterval = 30 * time.Second

	// defaultNotReadyInterval retries promptly while waiting for the
	// kernel to surface an announced attachment.
	defaultNotReadyInterval = 5 * time.Second

	// defaultCycleTimeout bounds one cycle. It is generous because a
	// cycle may run pvmove, which moves real data.
	defaultCycleTimeout = 24 * time.Hour
)

// WorkerConfig wires one drive worker.
type WorkerConfig struct {
	Reconciler *Reconciler
	Clock      clock.Clock

	// Interval, NotReadyInterval and CycleTimeout default when zero.
	Interval         time.Duration
	NotReadyInterval time.Duration
	CycleTimeout     time.Duration
}

// Validate ensures the configuration is complete.
func (c WorkerConfig) Validate() error {
	if c.Reconciler == nil {
		return errors.NotValidf("missing Reconciler")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	return nil
}

type driveWorker struct {
	catacomb catacomb.Catacomb
	cfg      WorkerConfig
}

// NewWorker starts the reconcile loop of one drive. The worker only
// stops when killed: cycle errors are logged and retried, so one
// drive's failures never leak out of its worker.
func NewWorker(cfg WorkerConfig) (worker.Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.NotReadyInterval <= 0 {
		cfg.NotReadyInterval = defaultNotReadyInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = defaultCycleTimeout
	}
	w := &driveWorker{cfg: cfg}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *driveWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *driveWorker) Wait() error {
	return w.catacomb.Wait()
}

func (w *driveWorker) loop() error {
	name := w.cfg.Reconciler.cfg.Drive.Name
	timer := w.cfg.Clock.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
		}

		ctx, cancel := context.WithTimeout(
			w.catacomb.Context(context.Background()), w.cfg.CycleTimeout)
		err := w.cfg.Reconciler.Cycle(ctx)
		cancel()

		delay := w.cfg.Interval
		switch {
		case err == nil:
			logger.Debugf("drive %q: cycle complete", name)
		case IsNotReady(err):
			logger.Debugf("drive %q: %v", name, err)
			delay = w.cfg.NotReadyInterval
		case cloud.IsRetryable(err) || errors.Is(err, mount.ErrBusy):
			logger.Warningf("drive %q: %v", name, err)
		case errors.Is(err, ErrDegraded):
			logger.Errorf("drive %q: refusing to mutate: %v", name, err)
		default:
			logger.Errorf("drive %q: %v", name, err)
		}
		timer.Reset(delay)
	}
}
