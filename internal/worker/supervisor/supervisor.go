// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package supervisor owns the set of drive workers. Drives are
// independent: a failing drive worker is restarted with a delay and
// never terminates the process or disturbs its siblings.
package supervisor

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"bsud/internal/config"
)

var logger = loggo.GetLogger("bsud.supervisor")

// defaultRestartDelay spaces restarts of a crashing drive worker.
const defaultRestartDelay = 10 * time.Second

// Config wires the supervisor.
type Config struct {
	Drives         []config.Drive
	NewDriveWorker func(config.Drive) (worker.Worker, error)
	Clock          clock.Clock
	RestartDelay   time.Duration
}

// Validate ensures the configuration is complete.
func (c Config) Validate() error {
	if len(c.Drives) == 0 {
		return errors.NotValidf("no drives")
	}
	if c.NewDriveWorker == nil {
		return errors.NotValidf("missing NewDriveWorker")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	return nil
}

type supervisor struct {
	catacomb catacomb.Catacomb
	cfg      Config
	runner   *worker.Runner
}

// New starts one worker per configured drive under a runner that
// isolates and restarts failures.
func New(cfg Config) (worker.Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	restartDelay := cfg.RestartDelay
	if restartDelay <= 0 {
		restartDelay = defaultRestartDelay
	}
	w := &supervisor{
		cfg: cfg,
		runner: worker.NewRunner(worker.RunnerParams{
			Clock:        cfg.Clock,
			IsFatal:      func(error) bool { return false },
			RestartDelay: restartDelay,
			Logger:       logger,
		}),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
		Init: []worker.Worker{w.runner},
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *supervisor) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *supervisor) Wait() error {
	return w.catacomb.Wait()
}

func (w *supervisor) loop() error {
	for _, d := range w.cfg.Drives {
		d := d
		logger.Infof("starting worker for drive %q", d.Name)
		err := w.runner.StartWorker(d.Name, func() (worker.Worker, error) {
			return w.cfg.NewDriveWorker(d)
		})
		if err != nil {
			return errors.Annotatef(err, "starting worker for drive %q", d.Name)
		}
	}
	<-w.catacomb.Dying()
	return w.catacomb.ErrDying()
}
