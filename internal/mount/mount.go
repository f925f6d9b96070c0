// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mount manages the drive's mount point.
package mount

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"bsud/internal/hostcmd"
)

var logger = loggo.GetLogger("bsud.mount")

// Patchable for tests.
var (
	mountsFile = "/proc/self/mounts"
	mkdirAll   = os.MkdirAll
)

const (
	// ErrBusy is returned when unmounting a busy path; callers retry
	// on a later cycle.
	ErrBusy = errors.ConstError("mount point busy")

	// ErrMountedElsewhere is returned when the device is mounted at a
	// path other than the configured one. The daemon never unmounts a
	// path it did not configure.
	ErrMountedElsewhere = errors.ConstError("device mounted elsewhere")
)

// cmdTimeout bounds mount and umount.
const cmdTimeout = time.Minute

// Manager mounts and unmounts the drive filesystem.
type Manager struct {
	run hostcmd.Runner
}

// NewManager returns a Manager shelling out through run.
func NewManager(run hostcmd.Runner) *Manager {
	return &Manager{run: hostcmd.WithTimeout(run, cmdTimeout)}
}

// IsMounted reports whether devicePath is mounted at mountPath. A
// device mounted somewhere else entirely is ErrMountedElsewhere.
func (m *Manager) IsMounted(devicePath, mountPath string) (bool, error) {
	data, err := os.ReadFile(mountsFile)
	if err != nil {
		return false, errors.Annotate(err, "reading mount table")
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != devicePath {
			continue
		}
		target := unescapeMountPath(fields[1])
		if target != mountPath {
			return false, errors.Annotatef(ErrMountedElsewhere,
				"%s is mounted at %s, not %s", devicePath, target, mountPath)
		}
		return true, nil
	}
	return false, nil
}

// unescapeMountPath undoes the octal escapes of /proc/self/mounts for
// the characters that can appear in a configured path.
func unescapeMountPath(s string) string {
	replacer := strings.NewReplacer(
		`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)
	return replacer.Replace(s)
}

// Mount mounts the device at mountPath, creating the path if absent.
func (m *Manager) Mount(ctx context.Context, devicePath, mountPath string) error {
	if err := mkdirAll(mountPath, 0o755); err != nil {
		return errors.Annotatef(err, "creating mount path %s", mountPath)
	}
	_, err := m.run.Run(ctx, "mount", devicePath, mountPath)
	return errors.Trace(err)
}

// Unmount unmounts mountPath. A busy path is reported as ErrBusy so
// the caller retries on a later cycle.
func (m *Manager) Unmount(ctx context.Context, mountPath string) error {
	_, err := m.run.Run(ctx, "umount", mountPath)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "busy") {
		return errors.WithType(err, ErrBusy)
	}
	return errors.Trace(err)
}
