// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command bsud aggregates cloud block volumes into one elastically
// sized local filesystem per configured drive, and keeps reconciling
// each drive towards its declared target.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/kr/pretty"

	"bsud/internal/blockdev"
	"bsud/internal/cloud"
	"bsud/internal/config"
	"bsud/internal/fs"
	"bsud/internal/hostcmd"
	"bsud/internal/lvm"
	"bsud/internal/mount"
	"bsud/internal/worker/drive"
	"bsud/internal/worker/supervisor"
)

var logger = loggo.GetLogger("bsud")

const version = "1.0.0"

func main() {
	os.Exit(Main(os.Args))
}

// Main runs the daemon and returns its exit code: 0 on clean
// shutdown, non zero when the configuration cannot be loaded or the
// host is missing its tooling.
func Main(args []string) int {
	flags := gnuflag.NewFlagSetWithFlagKnownAs("bsud", gnuflag.ContinueOnError, "option")
	configPath := flags.String("config", "/etc/bsud/bsud.yaml", "path to the configuration file")
	loggingConfig := flags.String("logging-config", "<root>=INFO", "loggo configuration string")
	if err := flags.Parse(true, args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := loggo.ConfigureLoggers(*loggingConfig); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger.Infof("starting bsud v%s", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("cannot load configuration: %v", err)
		return 1
	}
	logger.Debugf("configuration: %# v", pretty.Formatter(cfg))

	run := hostcmd.NewRunner()
	ctx := context.Background()
	if !preFlightCheck(ctx, run) {
		return 1
	}

	identity, err := cloud.DiscoverInstance(ctx)
	if err != nil {
		logger.Errorf("cannot discover VM identity: %v", err)
		return 1
	}
	logger.Infof("running on VM %s in %s", identity.VMID, identity.AvailabilityZone)

	region := cfg.Region
	if region == "" {
		region = identity.Region
	}
	client, err := cloud.NewClient(ctx, cfg, region)
	if err != nil {
		logger.Errorf("cannot build cloud client: %v", err)
		return 1
	}
	view := cloud.NewVolumeView(client, clock.WallClock, identity.VMID, identity.AvailabilityZone)

	lvmMgr := lvm.NewManager(run)
	fsMgr := fs.NewManager(run)
	mountMgr := mount.NewManager(run)
	probe := blockdev.NewProbe()

	sup, err := supervisor.New(supervisor.Config{
		Drives: cfg.Drives,
		Clock:  clock.WallClock,
		NewDriveWorker: func(d config.Drive) (worker.Worker, error) {
			reconciler, err := drive.NewReconciler(drive.ReconcilerConfig{
				Drive: d,
				Cloud: view,
				LVM:   lvmMgr,
				FS:    fsMgr,
				Mount: mountMgr,
				Probe: probe,
			})
			if err != nil {
				return nil, err
			}
			return drive.NewWorker(drive.WorkerConfig{
				Reconciler: reconciler,
				Clock:      clock.WallClock,
			})
		},
	})
	if err != nil {
		logger.Errorf("cannot start drives: %v", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("received %v, shutting down", sig)
		sup.Kill()
	}()

	if err := sup.Wait(); err != nil {
		logger.Errorf("shutdown: %v", err)
		return 1
	}
	logger.Infof("bsud v%s stopped", version)
	return 0
}

// preFlightCheck verifies the host tooling is present and usable
// before any reconciliation starts.
func preFlightCheck(ctx context.Context, run hostcmd.Runner) bool {
	ok := true
	if _, err := run.Run(ctx, "lvm", "version"); err != nil {
		logger.Errorf("cannot run lvm, check installation and permissions: %v", err)
		ok = false
	}
	if _, err := run.Run(ctx, "btrfs", "version"); err != nil {
		logger.Errorf("cannot run btrfs, check installation and permissions: %v", err)
		ok = false
	}
	return ok
}
