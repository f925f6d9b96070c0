// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lvm manages the physical volume / volume group / logical
// volume stack under one drive. The volume group is named exactly
// after the drive; the single logical volume has the fixed name bsud
// and always spans 100% of the group.
package lvm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"bsud/internal/hostcmd"
)

var logger = loggo.GetLogger("bsud.lvm")

// LVName is the well-known name of the one logical volume per group.
const LVName = "bsud"

// ErrNotEmpty is returned when reducing a group by a physical volume
// that still holds allocated extents.
const ErrNotEmpty = errors.ConstError("physical volume not empty")

// LVPath returns the device-mapper path of a drive's logical volume.
// Dashes in the group name are doubled by device-mapper.
func LVPath(driveName string) string {
	return fmt.Sprintf("/dev/mapper/%s-%s", strings.ReplaceAll(driveName, "-", "--"), LVName)
}

const (
	// cmdTimeout bounds every lvm command except pvmove.
	cmdTimeout = 5 * time.Minute
	// pvmoveTimeout bounds extent evacuation, which moves real data.
	pvmoveTimeout = 24 * time.Hour
)

// Manager drives the host's lvm tooling.
type Manager struct {
	run     hostcmd.Runner
	longRun hostcmd.Runner
}

// NewManager returns a Manager shelling out through run.
func NewManager(run hostcmd.Runner) *Manager {
	return &Manager{
		run:     hostcmd.WithTimeout(run, cmdTimeout),
		longRun: hostcmd.WithTimeout(run, pvmoveTimeout),
	}
}

// Reports returns the full lvm report of the host, one entry per
// volume group plus at most one entry for orphan physical volumes.
func (m *Manager) Reports(ctx context.Context) ([]Report, error) {
	out, err := m.run.Run(ctx, "lvm",
		"fullreport", "--all", "--units", "B", "--reportformat", "json")
	if err != nil {
		return nil, errors.Trace(err)
	}
	reports, err := parseReports([]byte(out.Stdout))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return reports, nil
}

// ReportFor returns the report of the named volume group, or nil when
// the group does not exist.
func (m *Manager) ReportFor(ctx context.Context, name string) (*Report, error) {
	reports, err := m.Reports(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, r := range reports {
		for _, vg := range r.VG {
			if vg.Name == name {
				report := r
				return &report, nil
			}
		}
	}
	return nil, nil
}

// OrphanDevices returns the device paths of physical volumes that
// belong to no volume group.
func (m *Manager) OrphanDevices(ctx context.Context) ([]string, error) {
	reports, err := m.Reports(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, r := range reports {
		if len(r.VG) == 0 {
			return r.Devices(), nil
		}
	}
	return nil, nil
}

// PVCreate initialises device as a physical volume. Initialising an
// already initialised device is a no-op success.
func (m *Manager) PVCreate(ctx context.Context, device string) error {
	orphans, err := m.OrphanDevices(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, orphan := range orphans {
		if orphan == device {
			logger.Debugf("%s already initialised as a physical volume", device)
			return nil
		}
	}
	_, err = m.run.Run(ctx, "lvm", "pvcreate", device)
	return errors.Trace(err)
}

// PVResize re-reads the device size after a cloud-side grow.
func (m *Manager) PVResize(ctx context.Context, device string) error {
	_, err := m.run.Run(ctx, "lvm", "pvresize", device)
	return errors.Trace(err)
}

// PVRemove wipes the physical volume label from device.
func (m *Manager) PVRemove(ctx context.Context, device string) error {
	_, err := m.run.Run(ctx, "lvm", "pvremove", device)
	return errors.Trace(err)
}

// PVMove evacuates every allocated extent off device onto the rest of
// its group. This can run for a long time; the caller owns the
// context deadline.
func (m *Manager) PVMove(ctx context.Context, device string) error {
	_, err := m.longRun.Run(ctx, "lvm", "pvmove", device)
	return errors.Trace(err)
}

// PVMoveResume restarts any interrupted pvmove found in lvm metadata.
// pvmove without arguments exits non zero when there is nothing to
// resume, which is not an error.
func (m *Manager) PVMoveResume(ctx context.Context) error {
	_, err := m.longRun.TryRun(ctx, "lvm", "pvmove")
	return errors.Trace(err)
}

// VGCreate creates the group with its first physical volume.
func (m *Manager) VGCreate(ctx context.Context, name, firstPV string) error {
	_, err := m.run.Run(ctx, "lvm", "vgcreate", "--alloc", "normal", name, firstPV)
	return errors.Trace(err)
}

// VGExtend adds a physical volume to the group.
func (m *Manager) VGExtend(ctx context.Context, name, device string) error {
	_, err := m.run.Run(ctx, "lvm", "vgextend", name, device)
	return errors.Trace(err)
}

// VGReduce removes an empty physical volume from the group. It fails
// with ErrNotEmpty when the volume still holds allocated extents.
func (m *Manager) VGReduce(ctx context.Context, name, device string) error {
	report, err := m.ReportFor(ctx, name)
	if err != nil {
		return errors.Trace(err)
	}
	if report != nil {
		allocated, err := report.HasAllocatedExtents(device)
		if err != nil && !errors.Is(err, errors.NotFound) {
			return errors.Trace(err)
		}
		if allocated {
			return errors.WithType(
				errors.Errorf("reducing %s by %s", name, device), ErrNotEmpty)
		}
	}
	_, err = m.run.Run(ctx, "lvm", "vgreduce", name, device)
	return errors.Trace(err)
}

// VGActivate activates or deactivates the group.
func (m *Manager) VGActivate(ctx context.Context, name string, activate bool) error {
	flag := "-an"
	if activate {
		flag = "-ay"
	}
	_, err := m.run.Run(ctx, "vgchange", flag, name)
	return errors.Trace(err)
}

// VGScan rescans devices for volume groups.
func (m *Manager) VGScan(ctx context.Context) error {
	_, err := m.run.Run(ctx, "vgscan")
	return errors.Trace(err)
}

// LVCreate creates the drive's logical volume spanning every free
// extent of the group, and returns its device path.
func (m *Manager) LVCreate(ctx context.Context, group string) (string, error) {
	_, err := m.run.Run(ctx, "lvm",
		"lvcreate", "--extents", "100%FREE", "-n", LVName, group)
	if err != nil {
		return "", errors.Trace(err)
	}
	return LVPath(group), nil
}

// LVExtendFull re-expands the logical volume to 100% of the group
// after the group has grown.
func (m *Manager) LVExtendFull(ctx context.Context, group string) error {
	_, err := m.run.Run(ctx, "lvm", "lvextend", "--extents", "+100%FREE", LVPath(group))
	return errors.Trace(err)
}

// LVReduce shrinks the logical volume to sizeBytes. The filesystem
// must already have been shrunk at least as far.
func (m *Manager) LVReduce(ctx context.Context, group string, sizeBytes uint64) error {
	_, err := m.run.Run(ctx, "lvm",
		"lvreduce", "--yes", "--size", fmt.Sprintf("%dB", sizeBytes), LVPath(group))
	return errors.Trace(err)
}

// LVActivate activates or deactivates the drive's logical volume.
func (m *Manager) LVActivate(ctx context.Context, group string, activate bool) error {
	flag := "-an"
	if activate {
		flag = "-ay"
	}
	_, err := m.run.Run(ctx, "lvchange", flag, fmt.Sprintf("%s/%s", group, LVName))
	return errors.Trace(err)
}

// VGSizeBytes returns the total size of the group.
func (m *Manager) VGSizeBytes(ctx context.Context, name string) (uint64, error) {
	report, err := m.ReportFor(ctx, name)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if report == nil || len(report.VG) == 0 {
		return 0, errors.NotFoundf("volume group %q", name)
	}
	size, err := parseSize(report.VG[0].Size)
	return size, errors.Trace(err)
}

// LVSizeBytes returns the size of the drive's logical volume.
func (m *Manager) LVSizeBytes(ctx context.Context, name string) (uint64, error) {
	report, err := m.ReportFor(ctx, name)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if report == nil {
		return 0, errors.NotFoundf("volume group %q", name)
	}
	for _, lv := range report.LV {
		if lv.Name == LVName {
			size, err := parseSize(lv.Size)
			return size, errors.Trace(err)
		}
	}
	return 0, errors.NotFoundf("logical volume %s/%s", name, LVName)
}
