// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package drive_test

import (
	"context"
	"strings"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"bsud/internal/config"
	"bsud/internal/worker/drive"
)

type reconcilerSuite struct{}

var _ = gc.Suite(&reconcilerSuite{})

func driveConfig(target config.Target) config.Drive {
	return config.Drive{
		Name:                "data",
		Target:              target,
		MountPath:           "/srv/data",
		DiskType:            config.DiskTypeGP2,
		InitialSizeGiB:      10,
		MaxBSUCount:         10,
		MaxUsedSpacePerc:    85,
		MinUsedSpacePerc:    20,
		DiskScaleFactorPerc: 20,
	}
}

func newReconciler(c *gc.C, w *fakeWorld, target config.Target) *drive.Reconciler {
	r, err := drive.NewReconciler(drive.ReconcilerConfig{
		Drive: driveConfig(target),
		Cloud: w,
		LVM:   w,
		FS:    w,
		Mount: w,
		Probe: w,
	})
	c.Assert(err, jc.ErrorIsNil)
	return r
}

// converge cycles until a full cycle performs no action, failing the
// test if the drive keeps acting forever. Every cycle is held to the
// one-mutating-action budget; only the release of a fully evacuated
// volume pairs its detach with the delete.
func converge(c *gc.C, r *drive.Reconciler, w *fakeWorld) {
	for i := 0; i < 60; i++ {
		before := w.actionCount()
		err := r.Cycle(context.Background())
		c.Assert(err, jc.ErrorIsNil)
		assertOneAction(c, w.actionsCopy()[before:])
		if w.actionCount() == before {
			return
		}
	}
	c.Fatalf("drive did not converge; actions: %v", w.actionsCopy())
}

func assertOneAction(c *gc.C, delta []string) {
	if len(delta) <= 1 {
		return
	}
	if len(delta) == 2 &&
		strings.HasPrefix(delta[0], "detach:") && strings.HasPrefix(delta[1], "delete:") {
		return
	}
	c.Fatalf("cycle performed more than one action: %v", delta)
}

// assertInOrder asserts that want appears in got as a subsequence.
func assertInOrder(c *gc.C, got []string, want ...string) {
	i := 0
	for _, action := range got {
		if i < len(want) && action == want[i] {
			i++
		}
	}
	if i != len(want) {
		c.Fatalf("actions %v do not contain %v in order", got, want)
	}
}

func (s *reconcilerSuite) TestColdStartConverges(c *gc.C) {
	w := newFakeWorld()
	r := newReconciler(c, w, config.TargetOnline)
	converge(c, r, w)

	c.Assert(w.volumes, gc.HasLen, 1)
	for _, vol := range w.volumes {
		c.Assert(vol.sizeGiB, gc.Equals, 10)
		c.Assert(vol.attachedVM, gc.Equals, "i-test")
	}
	c.Assert(w.vgExists, jc.IsTrue)
	c.Assert(w.lvExists, jc.IsTrue)
	c.Assert(w.lvActive, jc.IsTrue)
	c.Assert(w.formatted, jc.IsTrue)
	c.Assert(w.mounted, jc.IsTrue)
	c.Assert(w.fsTotal, gc.Equals, uint64(10)<<30)

	assertInOrder(c, w.actionsCopy(),
		"create:10", "attach:vol-0", "pvcreate:/dev/xvdb", "vgcreate:/dev/xvdb",
		"lvcreate", "format", "mount")
}

func (s *reconcilerSuite) TestIdempotence(c *gc.C) {
	w := newFakeWorld()
	r := newReconciler(c, w, config.TargetOnline)
	converge(c, r, w)

	before := w.actionCount()
	c.Assert(r.Cycle(context.Background()), jc.ErrorIsNil)
	c.Assert(r.Cycle(context.Background()), jc.ErrorIsNil)
	c.Assert(w.actionCount(), gc.Equals, before)
}

func (s *reconcilerSuite) TestScaleUpOverThreshold(c *gc.C) {
	w := newFakeWorld()
	r := newReconciler(c, w, config.TargetOnline)
	converge(c, r, w)

	w.mu.Lock()
	w.fsUsed = 9 << 30
	w.mu.Unlock()
	converge(c, r, w)

	c.Assert(w.volumes, gc.HasLen, 2)
	sizes := []int{}
	for _, vol := range w.sortedVolumes() {
		sizes = append(sizes, vol.sizeGiB)
	}
	c.Assert(sizes, jc.DeepEquals, []int{10, 12})
	c.Assert(w.fsTotal, gc.Equals, uint64(22)<<30)

	assertInOrder(c, w.actionsCopy(),
		"create:12", "attach:vol-1", "pvcreate:/dev/xvdc", "vgextend:/dev/xvdc",
		"lvextend", "growfs")
}

func (s *reconcilerSuite) TestNoScaleUpBelowThreshold(c *gc.C) {
	w := newFakeWorld()
	r := newReconciler(c, w, config.TargetOnline)
	converge(c, r, w)

	w.mu.Lock()
	w.fsUsed = 5 << 30
	w.mu.Unlock()
	converge(c, r, w)

	c.Assert(w.volumes, gc.HasLen, 1)
	c.Assert(w.fsTotal, gc.Equals, uint64(10)<<30)
}

func (s *reconcilerSuite) TestRestartMidBuildAdoptsTaggedVolume(c *gc.C) {
	// A previous run created and tagged a volume, then died before
	// attaching it. The tag alone makes it ours.
	w := newFakeWorld()
	w.addVolume(10, false, false)
	r := newReconciler(c, w, config.TargetOnline)
	converge(c, r, w)

	c.Assert(w.volumes, gc.HasLen, 1)
	for _, action := range w.actionsCopy() {
		c.Check(action, gc.Not(gc.Matches), "create:.*")
	}
	c.Assert(w.mounted, jc.IsTrue)
}

func (s *reconcilerSuite) TestAttachedButNotVisibleEndsCycle(c *gc.C) {
	w := newFakeWorld()
	w.attachVisible = false
	w.addVolume(10, false, false)
	r := newReconciler(c, w, config.TargetOnline)

	// First cycle attaches; the kernel has not caught up yet.
	c.Assert(r.Cycle(context.Background()), jc.ErrorIsNil)
	err := r.Cycle(context.Background())
	c.Assert(drive.IsNotReady(err), jc.IsTrue)

	// Nothing else happened while waiting.
	c.Assert(w.actionsCopy(), jc.DeepEquals, []string{"attach:vol-0"})

	// The device surfaces; reconciliation continues.
	w.mu.Lock()
	for _, vol := range w.volumes {
		vol.visible = true
	}
	w.mu.Unlock()
	converge(c, r, w)
	c.Assert(w.mounted, jc.IsTrue)
}

func (s *reconcilerSuite) TestVolumeAttachedElsewhereDegrades(c *gc.C) {
	w := newFakeWorld()
	vol := w.addVolume(10, true, true)
	w.mu.Lock()
	vol.attachedVM = "i-intruder"
	w.mu.Unlock()
	r := newReconciler(c, w, config.TargetOnline)

	err := r.Cycle(context.Background())
	c.Assert(err, jc.ErrorIs, drive.ErrDegraded)
	c.Assert(w.actionCount(), gc.Equals, 0)
}

func (s *reconcilerSuite) TestForeignGroupMemberDegrades(c *gc.C) {
	w := newFakeWorld()
	r := newReconciler(c, w, config.TargetOnline)
	converge(c, r, w)

	w.mu.Lock()
	w.members.Add("/dev/sdz")
	w.mu.Unlock()
	before := w.actionCount()

	err := r.Cycle(context.Background())
	c.Assert(err, jc.ErrorIs, drive.ErrDegraded)
	c.Assert(w.actionCount(), gc.Equals, before)
}

func (s *reconcilerSuite) TestScaleDownRemovesSmallest(c *gc.C) {
	w := newFakeWorld()
	w.addVolume(10, true, true)
	w.addVolume(30, true, true)
	w.mu.Lock()
	w.vgExists = true
	w.members.Add("/dev/xvdb")
	w.members.Add("/dev/xvdc")
	w.pvAlloc["/dev/xvdb"] = true
	w.pvAlloc["/dev/xvdc"] = true
	w.lvExists = true
	w.lvActive = true
	w.lvSize = 40 << 30
	w.formatted = true
	w.mounted = true
	w.fsTotal = 40 << 30
	w.fsUsed = 4 << 30
	w.mu.Unlock()

	r := newReconciler(c, w, config.TargetOnline)

	// The removal advances one step per cycle, each re-derived from
	// that cycle's observation; only the final release pairs the
	// detach with the delete. Once the target is gone, the ordinary
	// rules grow the LV and filesystem back over the remainder.
	for i, want := range [][]string{
		{"shrinkfs:10737418240"},
		{"lvreduce:10737418240"},
		{"pvmove:/dev/xvdb"},
		{"vgreduce:/dev/xvdb"},
		{"pvremove:/dev/xvdb"},
		{"detach:vol-0", "delete:vol-0"},
		{"lvextend"},
		{"growfs"},
	} {
		before := w.actionCount()
		c.Assert(r.Cycle(context.Background()), jc.ErrorIsNil)
		c.Assert(w.actionsCopy()[before:], jc.DeepEquals, want, gc.Commentf("cycle %d", i))
	}
	converge(c, r, w)

	c.Assert(w.volumes, gc.HasLen, 1)
	for _, vol := range w.volumes {
		c.Assert(vol.sizeGiB, gc.Equals, 30)
	}
	c.Assert(w.fsTotal, gc.Equals, uint64(30)<<30)
}

func (s *reconcilerSuite) TestOffline(c *gc.C) {
	w := newFakeWorld()
	online := newReconciler(c, w, config.TargetOnline)
	converge(c, online, w)

	offline := newReconciler(c, w, config.TargetOffline)
	converge(c, offline, w)

	c.Assert(w.mounted, jc.IsFalse)
	c.Assert(w.lvActive, jc.IsFalse)
	c.Assert(w.volumes, gc.HasLen, 1)
	for _, vol := range w.volumes {
		c.Assert(vol.attachedVM, gc.Equals, "")
	}
}

func (s *reconcilerSuite) TestDelete(c *gc.C) {
	w := newFakeWorld()
	online := newReconciler(c, w, config.TargetOnline)
	converge(c, online, w)

	del := newReconciler(c, w, config.TargetDelete)
	converge(c, del, w)

	c.Assert(w.volumes, gc.HasLen, 0)
	c.Assert(w.mounted, jc.IsFalse)
	assertInOrder(c, w.actionsCopy(), "umount", "vgactivate:false", "detach:vol-0", "delete:vol-0")
}

func (s *reconcilerSuite) TestConfigValidation(c *gc.C) {
	w := newFakeWorld()
	cfg := drive.ReconcilerConfig{
		Drive: driveConfig(config.TargetOnline),
		Cloud: w, LVM: w, FS: w, Mount: w, Probe: w,
	}
	cfg.Cloud = nil
	_, err := drive.NewReconciler(cfg)
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	cfg.Cloud = w
	cfg.Drive.MountPath = "relative"
	_, err = drive.NewReconciler(cfg)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}
