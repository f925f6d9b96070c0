// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package scaling decides when a drive gains or loses a backing
// device. The policy is pure: it observes numbers and emits a single
// action, so every sizing and anti-flap rule is testable on data
// alone, without cloud or host effects.
package scaling

import (
	"math"
	"sort"
	"time"
)

// MaxVolumeSizeGiB is the cloud API's hard per-volume size ceiling.
const MaxVolumeSizeGiB = 14901

// rebalanceShrinkPerc shrinks the growth target of the last free
// slot, so that a saturated drive's evacuation always fits on the
// devices that remain.
const rebalanceShrinkPerc = 10

// scaleDownSafety tightens the scale-down projection: after removal,
// usage must stay strictly below this share of the minimum threshold,
// or the removal would flap against the next scale-up.
const scaleDownSafety = 0.9

// Device is a backing device as seen by the policy.
type Device struct {
	VolumeID string
	SizeGiB  int
	Created  time.Time
}

// Config carries the per-drive scaling parameters.
type Config struct {
	MaxDeviceCount   int
	MaxTotalSizeGiB  int // zero means unbounded
	InitialSizeGiB   int
	ScaleFactorPerc  int
	MinUsedSpacePerc int
	MaxUsedSpacePerc int
}

// Kind is the sort of action the policy decided on.
type Kind int

const (
	// NoOp: no scaling action this cycle, either because usage is
	// inside the hysteresis band or because no safe action exists.
	NoOp Kind = iota
	// ScaleUp: create a new backing device of NewSizeGiB.
	ScaleUp
	// ScaleDown: evacuate and remove the device TargetVolumeID.
	ScaleDown
)

// Decision is the single action the policy emits for one cycle.
type Decision struct {
	Kind           Kind
	NewSizeGiB     int
	TargetVolumeID string
}

// Decide inspects the drive's devices and filesystem usage and
// returns at most one scaling action. usedBytes is the mounted
// filesystem's used figure; totalBytes is the drive's total capacity,
// which the reconciler takes from the sum of its device sizes.
func Decide(cfg Config, devices []Device, usedBytes, totalBytes uint64) Decision {
	if len(devices) == 0 {
		return scaleUp(cfg, devices, cfg.InitialSizeGiB)
	}
	if totalBytes == 0 {
		return Decision{Kind: NoOp}
	}
	usedPerc := float64(usedBytes) / float64(totalBytes) * 100

	if usedPerc > float64(cfg.MaxUsedSpacePerc) {
		if len(devices) >= cfg.MaxDeviceCount {
			return balancingScaleDown(devices, usedBytes, totalBytes)
		}
		return scaleUp(cfg, devices, growthTarget(cfg, devices))
	}

	if usedPerc < float64(cfg.MinUsedSpacePerc) && len(devices) >= 2 {
		return shrinkingScaleDown(cfg, devices, usedBytes, totalBytes)
	}

	return Decision{Kind: NoOp}
}

// growthTarget sizes the next device: the largest current device
// grown by the scale factor, shaved by ten percent when this addition
// takes the last free slot.
func growthTarget(cfg Config, devices []Device) int {
	largest := 0
	for _, d := range devices {
		if d.SizeGiB > largest {
			largest = d.SizeGiB
		}
	}
	target := int(math.Ceil(float64(largest) * (1 + float64(cfg.ScaleFactorPerc)/100)))
	if len(devices) == cfg.MaxDeviceCount-1 {
		target = int(math.Ceil(float64(target) * float64(100-rebalanceShrinkPerc) / 100))
	}
	return target
}

func scaleUp(cfg Config, devices []Device, sizeGiB int) Decision {
	if sizeGiB < cfg.InitialSizeGiB && len(devices) == 0 {
		sizeGiB = cfg.InitialSizeGiB
	}
	if sizeGiB > MaxVolumeSizeGiB {
		sizeGiB = MaxVolumeSizeGiB
	}
	if cfg.MaxTotalSizeGiB > 0 {
		headroom := cfg.MaxTotalSizeGiB - TotalGiB(devices)
		if sizeGiB > headroom {
			sizeGiB = headroom
		}
	}
	if sizeGiB < 1 {
		return Decision{Kind: NoOp}
	}
	return Decision{Kind: ScaleUp, NewSizeGiB: sizeGiB}
}

// balancingScaleDown frees a device slot on a saturated drive by
// removing the smallest device, provided its extents fit on the rest.
func balancingScaleDown(devices []Device, usedBytes, totalBytes uint64) Decision {
	smallest := SmallestDevice(devices)
	remaining := totalBytes - gibToBytes(smallest.SizeGiB)
	if float64(usedBytes) >= float64(remaining)*0.95 {
		// The evacuation would not fit; nothing safe to do.
		return Decision{Kind: NoOp}
	}
	return Decision{Kind: ScaleDown, TargetVolumeID: smallest.VolumeID}
}

// shrinkingScaleDown removes the smallest device when usage is under
// the minimum threshold and is projected to stay strictly under it
// after the removal.
func shrinkingScaleDown(cfg Config, devices []Device, usedBytes, totalBytes uint64) Decision {
	smallest := SmallestDevice(devices)
	remaining := totalBytes - gibToBytes(smallest.SizeGiB)
	if remaining == 0 {
		return Decision{Kind: NoOp}
	}
	projected := float64(usedBytes) / float64(remaining) * 100
	if projected >= float64(cfg.MinUsedSpacePerc)*scaleDownSafety {
		return Decision{Kind: NoOp}
	}
	return Decision{Kind: ScaleDown, TargetVolumeID: smallest.VolumeID}
}

// SmallestDevice returns the removal candidate: smallest size, then
// oldest creation time, then lowest volume id.
func SmallestDevice(devices []Device) Device {
	candidates := make([]Device, len(devices))
	copy(candidates, devices)
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.SizeGiB != b.SizeGiB {
			return a.SizeGiB < b.SizeGiB
		}
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.VolumeID < b.VolumeID
	})
	return candidates[0]
}

// TotalGiB sums the device sizes.
func TotalGiB(devices []Device) int {
	total := 0
	for _, d := range devices {
		total += d.SizeGiB
	}
	return total
}

func gibToBytes(gib int) uint64 {
	return uint64(gib) << 30
}
