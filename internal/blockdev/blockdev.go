// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package blockdev maps cloud volume attachments onto kernel block
// devices. Attachment visibility is eventually consistent in both
// directions: a volume can be announced by the API before the kernel
// sees the device, and vice versa.
package blockdev

import (
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"bsud/internal/cloud"
)

var logger = loggo.GetLogger("bsud.blockdev")

// ErrNotReady is returned when the cloud announces an attachment the
// kernel cannot see yet. Callers end the cycle and re-observe.
const ErrNotReady = errors.ConstError("block device not ready")

// Probe resolves attached volumes to kernel device paths and picks
// device names for new attachments.
type Probe struct {
	exists func(path string) bool
}

// NewProbe returns a Probe backed by the host's /dev tree.
func NewProbe() *Probe {
	return &Probe{exists: func(path string) bool {
		_, err := os.Stat(path)
		return err == nil
	}}
}

// NewProbeWithExists returns a Probe with an alternative existence
// check, for tests.
func NewProbeWithExists(exists func(string) bool) *Probe {
	return &Probe{exists: exists}
}

// Resolve returns the kernel device path of an attached volume, or
// ErrNotReady while the device has not surfaced yet.
func (p *Probe) Resolve(device cloud.BackingDevice) (string, error) {
	if device.DeviceName == "" {
		return "", errors.Annotatef(ErrNotReady,
			"volume %s has no device name yet", device.VolumeID)
	}
	if !p.exists(device.DeviceName) {
		logger.Debugf("volume %s announced at %s but not visible yet",
			device.VolumeID, device.DeviceName)
		return "", errors.Annotatef(ErrNotReady,
			"volume %s not visible at %s", device.VolumeID, device.DeviceName)
	}
	return device.DeviceName, nil
}

// NextFree returns the first xvd device name with no kernel device,
// for the next attachment.
func (p *Probe) NextFree() (string, error) {
	for c := 'b'; c <= 'z'; c++ {
		name := fmt.Sprintf("/dev/xvd%c", c)
		if !p.exists(name) {
			return name, nil
		}
	}
	for c1 := 'b'; c1 <= 'z'; c1++ {
		for c2 := 'a'; c2 <= 'z'; c2++ {
			name := fmt.Sprintf("/dev/xvd%c%c", c1, c2)
			if !p.exists(name) {
				return name, nil
			}
		}
	}
	return "", errors.New("no free xvd device name left")
}
