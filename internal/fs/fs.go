// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package fs manages the drive's btrfs filesystem: the only local
// filesystem in the stack that can both grow and shrink while
// mounted, which the scaling policy depends on.
package fs

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"golang.org/x/sys/unix"

	"bsud/internal/hostcmd"
)

var logger = loggo.GetLogger("bsud.fs")

// shrinkSafetyPerc is the share of the current size kept free above
// used bytes when shrinking; shrinking closer than this is refused.
const shrinkSafetyPerc = 5

// Patchable for tests.
var (
	statfs     = unix.Statfs
	openDevice = os.Open
)

// Usage reports the used and total bytes of a mounted filesystem.
type Usage struct {
	UsedBytes      uint64
	TotalBytes     uint64
	AvailableBytes uint64
}

// UsedPerc returns used space as a percentage of the total.
func (u Usage) UsedPerc() float64 {
	if u.TotalBytes == 0 {
		return 0
	}
	return float64(u.UsedBytes) / float64(u.TotalBytes) * 100
}

const (
	// cmdTimeout bounds mkfs and the instantaneous grow.
	cmdTimeout = 5 * time.Minute
	// shrinkTimeout bounds the shrink, which relocates data.
	shrinkTimeout = 24 * time.Hour
)

// Manager formats, resizes and measures the drive filesystem.
type Manager struct {
	run     hostcmd.Runner
	longRun hostcmd.Runner
}

// NewManager returns a Manager shelling out through run.
func NewManager(run hostcmd.Runner) *Manager {
	return &Manager{
		run:     hostcmd.WithTimeout(run, cmdTimeout),
		longRun: hostcmd.WithTimeout(run, shrinkTimeout),
	}
}

// IsFormatted probes the device for a filesystem by reading its first
// mebibyte: all zeroes means never formatted.
func (m *Manager) IsFormatted(devicePath string) (bool, error) {
	f, err := openDevice(devicePath)
	if err != nil {
		return false, errors.Annotatef(err, "probing %s", devicePath)
	}
	defer func() { _ = f.Close() }()
	buf := make([]byte, 1<<20)
	n, err := f.Read(buf)
	if err != nil {
		return false, errors.Annotatef(err, "reading %s", devicePath)
	}
	for _, b := range buf[:n] {
		if b != 0 {
			return true, nil
		}
	}
	return false, nil
}

// Format makes a fresh filesystem on the device.
func (m *Manager) Format(ctx context.Context, devicePath string) error {
	_, err := m.run.Run(ctx, "mkfs.btrfs", devicePath)
	return errors.Trace(err)
}

// GrowOnline expands the mounted filesystem to the size of its
// underlying device.
func (m *Manager) GrowOnline(ctx context.Context, mountPath string) error {
	_, err := m.run.Run(ctx, "btrfs", "filesystem", "resize", "max", mountPath)
	return errors.Trace(err)
}

// ShrinkOnline shrinks the mounted filesystem to targetBytes. It
// refuses targets that would leave less than the safety margin above
// the currently used bytes.
func (m *Manager) ShrinkOnline(ctx context.Context, mountPath string, targetBytes uint64) error {
	usage, err := m.Usage(mountPath)
	if err != nil {
		return errors.Trace(err)
	}
	margin := usage.TotalBytes / 100 * shrinkSafetyPerc
	if targetBytes < usage.UsedBytes+margin {
		return errors.Errorf(
			"shrinking %s to %s would leave less than %s above the %s used",
			mountPath, humanize.IBytes(targetBytes), humanize.IBytes(margin),
			humanize.IBytes(usage.UsedBytes))
	}
	_, err = m.longRun.Run(ctx, "btrfs", "filesystem", "resize",
		strconv.FormatUint(targetBytes, 10), mountPath)
	return errors.Trace(err)
}

// Usage measures the mounted filesystem.
func (m *Manager) Usage(mountPath string) (Usage, error) {
	var st unix.Statfs_t
	if err := statfs(mountPath, &st); err != nil {
		return Usage{}, errors.Annotatef(err, "statfs %s", mountPath)
	}
	bsize := uint64(st.Bsize)
	usage := Usage{
		UsedBytes:      (st.Blocks - st.Bfree) * bsize,
		TotalBytes:     st.Blocks * bsize,
		AvailableBytes: st.Bavail * bsize,
	}
	logger.Debugf("%s: %s used of %s", mountPath,
		humanize.IBytes(usage.UsedBytes), humanize.IBytes(usage.TotalBytes))
	return usage, nil
}
