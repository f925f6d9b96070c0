// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package drive reconciles one drive towards its declared target.
// The daemon keeps no local state: every cycle re-observes the cloud,
// the kernel, the lvm stack, the filesystem and the mount table, then
// performs the first applicable action of an ordered decision list
// and returns. Convergence happens across cycles, not within one.
package drive

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"bsud/internal/blockdev"
	"bsud/internal/cloud"
	"bsud/internal/config"
	"bsud/internal/fs"
	"bsud/internal/lvm"
	"bsud/internal/scaling"
)

var logger = loggo.GetLogger("bsud.drive")

// ErrDegraded marks an invariant violation: some other actor claims
// part of this drive. The reconciler refuses to mutate anything and
// re-observes on later cycles.
const ErrDegraded = errors.ConstError("drive degraded")

// VolumeView is the cloud surface the reconciler consumes.
type VolumeView interface {
	VMID() string
	ListForDrive(ctx context.Context, name string) ([]cloud.BackingDevice, error)
	Create(ctx context.Context, p cloud.CreateParams) (string, error)
	Attach(ctx context.Context, volumeID, deviceName string) error
	Detach(ctx context.Context, volumeID string) error
	Delete(ctx context.Context, volumeID string) error
}

// LVM is the logical volume stack the reconciler consumes.
type LVM interface {
	ReportFor(ctx context.Context, name string) (*lvm.Report, error)
	OrphanDevices(ctx context.Context) ([]string, error)
	PVCreate(ctx context.Context, device string) error
	PVRemove(ctx context.Context, device string) error
	PVMove(ctx context.Context, device string) error
	PVMoveResume(ctx context.Context) error
	VGCreate(ctx context.Context, name, firstPV string) error
	VGExtend(ctx context.Context, name, device string) error
	VGReduce(ctx context.Context, name, device string) error
	VGActivate(ctx context.Context, name string, activate bool) error
	VGScan(ctx context.Context) error
	LVCreate(ctx context.Context, group string) (string, error)
	LVActivate(ctx context.Context, group string, activate bool) error
	LVExtendFull(ctx context.Context, group string) error
	LVReduce(ctx context.Context, group string, sizeBytes uint64) error
	VGSizeBytes(ctx context.Context, name string) (uint64, error)
	LVSizeBytes(ctx context.Context, name string) (uint64, error)
}

// Filesystem is the filesystem layer the reconciler consumes.
type Filesystem interface {
	IsFormatted(devicePath string) (bool, error)
	Format(ctx context.Context, devicePath string) error
	GrowOnline(ctx context.Context, mountPath string) error
	ShrinkOnline(ctx context.Context, mountPath string, targetBytes uint64) error
	Usage(mountPath string) (fs.Usage, error)
}

// Mounter is the mount layer the reconciler consumes.
type Mounter interface {
	IsMounted(devicePath, mountPath string) (bool, error)
	Mount(ctx context.Context, devicePath, mountPath string) error
	Unmount(ctx context.Context, mountPath string) error
}

// Probe resolves cloud attachments to kernel devices.
type Probe interface {
	Resolve(device cloud.BackingDevice) (string, error)
	NextFree() (string, error)
}

// ReconcilerConfig wires one drive's reconciler.
type ReconcilerConfig struct {
	Drive config.Drive
	Cloud VolumeView
	LVM   LVM
	FS    Filesystem
	Mount Mounter
	Probe Probe
}

// Validate ensures the configuration is complete.
func (c ReconcilerConfig) Validate() error {
	if err := c.Drive.Validate(); err != nil {
		return errors.Trace(err)
	}
	if c.Cloud == nil {
		return errors.NotValidf("missing Cloud")
	}
	if c.LVM == nil {
		return errors.NotValidf("missing LVM")
	}
	if c.FS == nil {
		return errors.NotValidf("missing FS")
	}
	if c.Mount == nil {
		return errors.NotValidf("missing Mount")
	}
	if c.Probe == nil {
		return errors.NotValidf("missing Probe")
	}
	return nil
}

// Reconciler drives one drive from observed state towards its target.
type Reconciler struct {
	cfg ReconcilerConfig
}

// NewReconciler returns a reconciler for one drive.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Reconciler{cfg: cfg}, nil
}

// Cycle observes the drive and performs at most one mutating action.
// Errors end the cycle; the caller logs, sleeps and calls again.
func (r *Reconciler) Cycle(ctx context.Context) error {
	d := r.cfg.Drive
	logger.Debugf("drive %q: reconciling towards %s", d.Name, d.Target)
	switch d.Target {
	case config.TargetOnline:
		return errors.Trace(r.reconcileOnline(ctx))
	case config.TargetOffline:
		_, err := r.reconcileOffline(ctx)
		return errors.Trace(err)
	case config.TargetDelete:
		return errors.Trace(r.reconcileDelete(ctx))
	}
	return errors.NotValidf("target %q", d.Target)
}

// onlineState is one cycle's observation of an online drive.
type onlineState struct {
	devices []cloud.BackingDevice
	// nodes maps attached volume ids to kernel device paths.
	nodes map[string]string
	// report is the drive's volume group report, nil when absent.
	report *lvm.Report
	// orphans are initialised physical volumes outside any group.
	orphans set.Strings
	// members are physical volumes inside the drive's group.
	members set.Strings
}

func (r *Reconciler) reconcileOnline(ctx context.Context) error {
	d := r.cfg.Drive

	// Resume any pvmove interrupted by a crash or restart before
	// observing; an evacuation in flight skews every size reading.
	if err := r.cfg.LVM.PVMoveResume(ctx); err != nil {
		return errors.Trace(err)
	}
	// Rescan so PVs initialised or detached by an earlier cycle are
	// visible to this cycle's report. Failures only stale the view.
	if err := r.cfg.LVM.VGScan(ctx); err != nil {
		logger.Debugf("drive %q: vgscan: %v", d.Name, err)
	}

	devices, err := r.cfg.Cloud.ListForDrive(ctx, d.Name)
	if err != nil {
		return errors.Trace(err)
	}

	// Cold start: nothing exists yet, create the first volume.
	if len(devices) == 0 {
		decision := scaling.Decide(r.scalingConfig(), nil, 0, 0)
		if decision.Kind != scaling.ScaleUp {
			return errors.Errorf("drive %q: no devices and no initial size to create", d.Name)
		}
		return errors.Trace(r.createVolume(ctx, decision.NewSizeGiB))
	}

	// Rule 1: attach every volume of ours that is not attached here.
	vmID := r.cfg.Cloud.VMID()
	for _, dev := range devices {
		if dev.AttachedVM == "" {
			name, err := r.cfg.Probe.NextFree()
			if err != nil {
				return errors.Trace(err)
			}
			return errors.Trace(r.cfg.Cloud.Attach(ctx, dev.VolumeID, name))
		}
		if dev.AttachedVM != vmID {
			return errors.Annotatef(ErrDegraded,
				"drive %q: volume %s is attached to %s, not to this VM %s",
				d.Name, dev.VolumeID, dev.AttachedVM, vmID)
		}
	}

	// Rule 2: wait until the kernel sees every attachment.
	st := onlineState{devices: devices, nodes: make(map[string]string)}
	for _, dev := range devices {
		node, err := r.cfg.Probe.Resolve(dev)
		if err != nil {
			return errors.Trace(err)
		}
		st.nodes[dev.VolumeID] = node
	}

	if err := r.observeLVM(ctx, &st); err != nil {
		return errors.Trace(err)
	}

	// Decide any scale-down before walking the stack rules: a
	// removal in flight leaves the filesystem shrunk and the target
	// device orphaned on purpose, and the build rules must not
	// repair that state back into the group. The policy sees the
	// device-size sum as the total, not the momentarily shrunk
	// filesystem, so its decision is stable across removal cycles.
	lvPath := lvm.LVPath(d.Name)
	var usage fs.Usage
	var decision scaling.Decision
	mounted, err := r.cfg.Mount.IsMounted(lvPath, d.MountPath)
	if err != nil {
		return errors.Trace(err)
	}
	if mounted {
		usage, err = r.cfg.FS.Usage(d.MountPath)
		if err != nil {
			return errors.Trace(err)
		}
		decision = scaling.Decide(
			r.scalingConfig(), policyDevices(devices),
			usage.UsedBytes, totalDeviceBytes(devices))
	}
	removing := decision.Kind == scaling.ScaleDown
	removingNode := ""
	if removing {
		removingNode = st.nodes[decision.TargetVolumeID]
	}

	// Rule 3: initialise every attached device that is not a PV.
	for _, node := range st.nodes {
		if node == removingNode {
			continue
		}
		if !st.members.Contains(node) && !st.orphans.Contains(node) {
			return errors.Trace(r.cfg.LVM.PVCreate(ctx, node))
		}
	}

	// Rule 4: create the group with the first PV.
	if st.report == nil {
		for _, node := range st.nodes {
			if st.orphans.Contains(node) {
				return errors.Trace(r.cfg.LVM.VGCreate(ctx, d.Name, node))
			}
		}
		return errors.Errorf("drive %q: no initialised PV to create the group from", d.Name)
	}

	// Rule 5: extend the group with every PV not yet a member.
	for _, node := range st.nodes {
		if node == removingNode {
			continue
		}
		if !st.members.Contains(node) {
			return errors.Trace(r.cfg.LVM.VGExtend(ctx, d.Name, node))
		}
	}

	// Rule 6: create the logical volume spanning the whole group.
	var lv *lvm.LogicalVolume
	for i := range st.report.LV {
		if st.report.LV[i].Name == lvm.LVName {
			lv = &st.report.LV[i]
		}
	}
	if lv == nil {
		_, err := r.cfg.LVM.LVCreate(ctx, d.Name)
		return errors.Trace(err)
	}
	if lv.Active != "active" {
		return errors.Trace(r.cfg.LVM.LVActivate(ctx, d.Name, true))
	}

	// Rule 7: the group grew since the LV was sized. Skipped while
	// removing: the reduced LV must stay reduced until the target
	// device has left the group.
	vgSize, err := r.cfg.LVM.VGSizeBytes(ctx, d.Name)
	if err != nil {
		return errors.Trace(err)
	}
	lvSize, err := r.cfg.LVM.LVSizeBytes(ctx, d.Name)
	if err != nil {
		return errors.Trace(err)
	}
	if !removing && lvSize < vgSize {
		return errors.Trace(r.cfg.LVM.LVExtendFull(ctx, d.Name))
	}

	// Rule 8: format a fresh logical volume.
	formatted, err := r.cfg.FS.IsFormatted(lvPath)
	if err != nil {
		return errors.Trace(err)
	}
	if !formatted {
		return errors.Trace(r.cfg.FS.Format(ctx, lvPath))
	}

	// Rule 9: mount. This comes before the online grow: btrfs can
	// only resize a mounted filesystem.
	if !mounted {
		return errors.Trace(r.cfg.Mount.Mount(ctx, lvPath, d.MountPath))
	}

	// Rule 10: grow the filesystem to the logical volume. Skipped
	// while removing, for the same reason as rule 7.
	if !removing && usage.TotalBytes < lvSize {
		return errors.Trace(r.cfg.FS.GrowOnline(ctx, d.MountPath))
	}

	// Rule 11: act on the policy decision.
	switch decision.Kind {
	case scaling.ScaleUp:
		return errors.Trace(r.createVolume(ctx, decision.NewSizeGiB))
	case scaling.ScaleDown:
		return errors.Trace(r.removeStep(ctx, decision.TargetVolumeID, st, usage, lvSize))
	}
	logger.Debugf("drive %q: steady at %s used of %s", d.Name,
		humanize.IBytes(usage.UsedBytes), humanize.IBytes(usage.TotalBytes))
	return nil
}

// observeLVM fills the lvm half of the observation and checks the
// membership invariant: the drive's group must contain exactly the
// drive's own devices.
func (r *Reconciler) observeLVM(ctx context.Context, st *onlineState) error {
	d := r.cfg.Drive
	report, err := r.cfg.LVM.ReportFor(ctx, d.Name)
	if err != nil {
		return errors.Trace(err)
	}
	orphans, err := r.cfg.LVM.OrphanDevices(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	st.report = report
	st.orphans = set.NewStrings(orphans...)
	st.members = set.NewStrings()
	if report != nil {
		st.members = set.NewStrings(report.Devices()...)
	}
	ours := set.NewStrings()
	for _, node := range st.nodes {
		ours.Add(node)
	}
	if foreign := st.members.Difference(ours); !foreign.IsEmpty() {
		return errors.Annotatef(ErrDegraded,
			"drive %q: group contains foreign devices %v", d.Name, foreign.SortedValues())
	}
	return nil
}

func (r *Reconciler) createVolume(ctx context.Context, sizeGiB int) error {
	d := r.cfg.Drive
	logger.Infof("drive %q: creating a %d GiB %s volume", d.Name, sizeGiB, d.DiskType)
	_, err := r.cfg.Cloud.Create(ctx, cloud.CreateParams{
		DriveName:  d.Name,
		SizeGiB:    sizeGiB,
		DiskType:   d.DiskType,
		IOPSPerGiB: d.DiskIOPSPerGiB,
	})
	return errors.Trace(err)
}

// removeStep advances the removal of one backing device by exactly
// one action. The step is re-derived from this cycle's observation:
// shrink the filesystem, reduce the LV, evacuate the PV, shrink the
// group, wipe the PV label, then release the volume — one per cycle,
// whichever the observed state calls for first. Once the target is
// gone, rules 7 and 10 grow the LV and filesystem back to span the
// remaining devices.
func (r *Reconciler) removeStep(ctx context.Context, volumeID string, st onlineState, usage fs.Usage, lvSize uint64) error {
	d := r.cfg.Drive
	var target *cloud.BackingDevice
	for i := range st.devices {
		if st.devices[i].VolumeID == volumeID {
			target = &st.devices[i]
		}
	}
	if target == nil {
		return errors.NotFoundf("drive %q: removal target %s", d.Name, volumeID)
	}
	node := st.nodes[volumeID]
	logger.Infof("drive %q: removing volume %s (%s, %d GiB)", d.Name, volumeID, node, target.SizeGiB)

	if st.members.Contains(node) {
		// Size the remainder off the device-size sum rather than the
		// current filesystem size: the former does not change as the
		// removal progresses, so every cycle derives the same target.
		remainder := totalDeviceBytes(st.devices) - target.SizeBytes()
		if usage.UsedBytes >= remainder {
			return errors.Errorf(
				"drive %q: cannot remove %s: %s used exceeds the %s that would remain",
				d.Name, volumeID, humanize.IBytes(usage.UsedBytes),
				humanize.IBytes(remainder))
		}
		// Shrink below the strictly necessary size when the ideal
		// size is lower still: the less the filesystem spans, the
		// less data pvmove has to shuffle.
		newSize := remainder
		if ideal := r.idealSizeBytes(usage); ideal < newSize {
			newSize = ideal
		}
		if usage.TotalBytes > newSize {
			return errors.Trace(r.cfg.FS.ShrinkOnline(ctx, d.MountPath, newSize))
		}
		if lvSize > newSize {
			return errors.Trace(r.cfg.LVM.LVReduce(ctx, d.Name, newSize))
		}
		allocated, err := st.report.HasAllocatedExtents(node)
		if err != nil {
			return errors.Trace(err)
		}
		if allocated {
			return errors.Trace(r.cfg.LVM.PVMove(ctx, node))
		}
		return errors.Trace(r.cfg.LVM.VGReduce(ctx, d.Name, node))
	}
	if node != "" && st.orphans.Contains(node) {
		return errors.Trace(r.cfg.LVM.PVRemove(ctx, node))
	}
	// Detach and delete back to back: a tagged, unattached volume is
	// indistinguishable from a freshly created one, so leaving one
	// behind would be re-attached by the next cycle.
	if target.AttachedVM != "" {
		if err := r.cfg.Cloud.Detach(ctx, volumeID); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(r.cfg.Cloud.Delete(ctx, volumeID))
}

// idealSizeBytes is the filesystem size that would put usage in the
// middle of the hysteresis band, floored at the initial size.
func (r *Reconciler) idealSizeBytes(usage fs.Usage) uint64 {
	d := r.cfg.Drive
	middle := float64(d.MinUsedSpacePerc+d.MaxUsedSpacePerc) / 2 / 100
	ideal := uint64(float64(usage.UsedBytes) / middle)
	if floor := uint64(d.InitialSizeGiB) << 30; ideal < floor {
		ideal = floor
	}
	if ideal > usage.TotalBytes {
		ideal = usage.TotalBytes
	}
	return ideal
}

// reconcileOffline unmounts, deactivates and detaches. It reports
// whether it performed an action, so the delete flow knows when the
// drive is fully offline.
func (r *Reconciler) reconcileOffline(ctx context.Context) (bool, error) {
	d := r.cfg.Drive
	lvPath := lvm.LVPath(d.Name)

	mounted, err := r.cfg.Mount.IsMounted(lvPath, d.MountPath)
	if err != nil {
		return false, errors.Trace(err)
	}
	if mounted {
		return true, errors.Trace(r.cfg.Mount.Unmount(ctx, d.MountPath))
	}

	report, err := r.cfg.LVM.ReportFor(ctx, d.Name)
	if err != nil {
		return false, errors.Trace(err)
	}
	if report != nil {
		for _, lv := range report.LV {
			if lv.Name == lvm.LVName && lv.Active == "active" {
				return true, errors.Trace(r.cfg.LVM.VGActivate(ctx, d.Name, false))
			}
		}
	}

	devices, err := r.cfg.Cloud.ListForDrive(ctx, d.Name)
	if err != nil {
		return false, errors.Trace(err)
	}
	vmID := r.cfg.Cloud.VMID()
	for _, dev := range devices {
		if dev.AttachedVM == vmID {
			return true, errors.Trace(r.cfg.Cloud.Detach(ctx, dev.VolumeID))
		}
	}
	// Fully offline: rescan so lvm metadata stops naming the devices
	// that just left. Failures only stale the cache.
	if err := r.cfg.LVM.VGScan(ctx); err != nil {
		logger.Debugf("drive %q: vgscan: %v", d.Name, err)
	}
	return false, nil
}

// reconcileDelete drives the drive offline, then deletes its volumes.
// Only volumes carrying the drive's ownership tag are ever deleted.
func (r *Reconciler) reconcileDelete(ctx context.Context) error {
	acted, err := r.reconcileOffline(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if acted {
		return nil
	}
	devices, err := r.cfg.Cloud.ListForDrive(ctx, r.cfg.Drive.Name)
	if err != nil {
		return errors.Trace(err)
	}
	for _, dev := range devices {
		err := r.cfg.Cloud.Delete(ctx, dev.VolumeID)
		if err != nil && !errors.Is(err, errors.NotFound) {
			return errors.Trace(err)
		}
		return nil
	}
	return nil
}

func (r *Reconciler) scalingConfig() scaling.Config {
	d := r.cfg.Drive
	return scaling.Config{
		MaxDeviceCount:   d.MaxBSUCount,
		MaxTotalSizeGiB:  d.MaxTotalSizeGiB,
		InitialSizeGiB:   d.InitialSizeGiB,
		ScaleFactorPerc:  d.DiskScaleFactorPerc,
		MinUsedSpacePerc: d.MinUsedSpacePerc,
		MaxUsedSpacePerc: d.MaxUsedSpacePerc,
	}
}

func totalDeviceBytes(devices []cloud.BackingDevice) uint64 {
	var total uint64
	for _, d := range devices {
		total += d.SizeBytes()
	}
	return total
}

func policyDevices(devices []cloud.BackingDevice) []scaling.Device {
	out := make([]scaling.Device, len(devices))
	for i, d := range devices {
		out[i] = scaling.Device{
			VolumeID: d.VolumeID,
			SizeGiB:  d.SizeGiB,
			Created:  d.Created,
		}
	}
	return out
}

// IsNotReady reports whether err only means the kernel has not caught
// up with the cloud yet; such cycles retry promptly without backoff.
func IsNotReady(err error) bool {
	return errors.Is(err, blockdev.ErrNotReady)
}
