// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cloud implements the volume view of one drive: a per-cycle
// snapshot of the cloud volumes owned by the drive, and the volume
// operations the reconciler needs. Ownership is tag based: a volume
// belongs to a drive iff it carries the drive-name tag.
package cloud

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"bsud/internal/config"
)

var logger = loggo.GetLogger("bsud.cloud")

// apiPacing is the minimum interval between two API calls, shared by
// every drive of the process. Patchable for tests.
var apiPacing = 3 * time.Second

const (
	// TagDriveName is the ownership marker: its presence on a volume
	// is the sole source of truth that the volume belongs to a drive.
	TagDriveName = "drive-name"

	// io1 volumes default to 100 IOPS per GiB, capped by the API.
	defaultIOPSPerGiB = 100
	maxIOPSPerVolume  = 13000

	// apiTimeout bounds a single API call; createTimeout bounds the
	// whole create-and-tag flow including its visibility polling.
	apiTimeout    = time.Minute
	createTimeout = 10 * time.Minute
)

// BackingDevice is the observed state of one cloud volume owned by a
// drive, valid for the duration of a single reconcile cycle.
type BackingDevice struct {
	VolumeID   string
	SizeGiB    int
	AttachedVM string
	DeviceName string
	State      string
	Created    time.Time
}

// Attached reports whether the device is attached to the given VM.
func (d BackingDevice) Attached(vmID string) bool {
	return d.AttachedVM == vmID
}

// SizeBytes returns the device size in bytes.
func (d BackingDevice) SizeBytes() uint64 {
	return uint64(d.SizeGiB) << 30
}

// Client is the subset of the EC2-compatible API consumed by the
// volume view.
type Client interface {
	DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, opts ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	CreateVolume(ctx context.Context, in *ec2.CreateVolumeInput, opts ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	DeleteVolume(ctx context.Context, in *ec2.DeleteVolumeInput, opts ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	AttachVolume(ctx context.Context, in *ec2.AttachVolumeInput, opts ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DetachVolume(ctx context.Context, in *ec2.DetachVolumeInput, opts ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, opts ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	ModifyVolume(ctx context.Context, in *ec2.ModifyVolumeInput, opts ...func(*ec2.Options)) (*ec2.ModifyVolumeOutput, error)
}

// NewClient builds an EC2 client from the daemon configuration. An
// empty endpoint uses the SDK's default resolution for the region.
func NewClient(ctx context.Context, cfg *config.Config, region string) (Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if auth := cfg.Authentication; auth != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(auth.AccessKey, auth.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Annotate(err, "loading cloud configuration")
	}
	return ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// CreateParams describe a volume to provision for a drive.
type CreateParams struct {
	DriveName  string
	SizeGiB    int
	DiskType   config.DiskType
	IOPSPerGiB int
}

// VolumeView exposes snapshot and mutation of one drive's volumes.
// The view never caches across cycles; every List is a fresh snapshot.
type VolumeView struct {
	client Client
	clock  clock.Clock
	vmID   string
	zone   string

	mu       sync.Mutex
	lastCall time.Time
}

// NewVolumeView returns a view of the volumes in zone, attachable to
// the VM this daemon runs on.
func NewVolumeView(client Client, clk clock.Clock, vmID, zone string) *VolumeView {
	return &VolumeView{
		client: client,
		clock:  clk,
		vmID:   vmID,
		zone:   zone,
	}
}

// VMID returns the identity of the VM this view attaches volumes to.
func (v *VolumeView) VMID() string {
	return v.vmID
}

// pace spreads API calls so the account-wide rate limit is not
// hammered by many drives reconciling at once.
func (v *VolumeView) pace(ctx context.Context) error {
	v.mu.Lock()
	now := v.clock.Now()
	wait := apiPacing - now.Sub(v.lastCall)
	if wait < 0 {
		wait = 0
	}
	v.lastCall = now.Add(wait)
	v.mu.Unlock()
	if wait == 0 {
		return nil
	}
	logger.Tracef("pacing cloud API call for %s", wait)
	select {
	case <-ctx.Done():
		return errors.WithType(ctx.Err(), ErrTransient)
	case <-v.clock.After(wait):
		return nil
	}
}

// ListForDrive snapshots every volume tagged for the drive, in any of
// the live states (creating, available, in-use).
func (v *VolumeView) ListForDrive(ctx context.Context, name string) ([]BackingDevice, error) {
	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	if err := v.pace(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	out, err := v.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []types.Filter{{
			Name:   aws.String("tag:" + TagDriveName),
			Values: []string{name},
		}, {
			Name:   aws.String("status"),
			Values: []string{"creating", "available", "in-use"},
		}},
	})
	if err != nil {
		return nil, errors.Annotatef(classify(err), "listing volumes for drive %q", name)
	}
	devices := make([]BackingDevice, 0, len(out.Volumes))
	for _, vol := range out.Volumes {
		devices = append(devices, volumeToDevice(vol))
	}
	logger.Debugf("drive %q owns %d volumes", name, len(devices))
	return devices, nil
}

func volumeToDevice(vol types.Volume) BackingDevice {
	d := BackingDevice{
		VolumeID: aws.ToString(vol.VolumeId),
		SizeGiB:  int(aws.ToInt32(vol.Size)),
		State:    string(vol.State),
		Created:  aws.ToTime(vol.CreateTime),
	}
	for _, att := range vol.Attachments {
		switch att.State {
		case types.VolumeAttachmentStateAttaching, types.VolumeAttachmentStateAttached:
			d.AttachedVM = aws.ToString(att.InstanceId)
			d.DeviceName = aws.ToString(att.Device)
		}
	}
	return d
}

// Create provisions a volume and tags it for the drive before
// returning. Tagging is the commit point of ownership: if the tag
// cannot be made visible the volume is deleted again so that no
// orphan survives a partial create.
func (v *VolumeView) Create(ctx context.Context, p CreateParams) (string, error) {
	logger.Debugf("drive %q: creating %s volume of %d GiB", p.DriveName, p.DiskType, p.SizeGiB)
	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()
	if err := v.pace(ctx); err != nil {
		return "", errors.Trace(err)
	}
	in := &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(v.zone),
		Size:             aws.Int32(int32(p.SizeGiB)),
		VolumeType:       types.VolumeType(p.DiskType),
	}
	if p.DiskType == config.DiskTypeIO1 {
		perGiB := p.IOPSPerGiB
		if perGiB <= 0 {
			perGiB = defaultIOPSPerGiB
		}
		iops := p.SizeGiB * perGiB
		if iops > maxIOPSPerVolume {
			iops = maxIOPSPerVolume
		}
		in.Iops = aws.Int32(int32(iops))
	}
	out, err := v.client.CreateVolume(ctx, in)
	if err != nil {
		return "", errors.Annotatef(classify(err), "creating volume for drive %q", p.DriveName)
	}
	volumeID := aws.ToString(out.VolumeId)
	logger.Debugf("drive %q: created volume %s, tagging", p.DriveName, volumeID)

	if err := v.tagUntilVisible(ctx, volumeID, p.DriveName); err != nil {
		logger.Errorf("drive %q: cannot tag volume %s, deleting it: %v", p.DriveName, volumeID, err)
		// An untagged volume is invisible to every future cycle, so
		// the delete must not die with the caller's context.
		if derr := v.Delete(context.Background(), volumeID); derr != nil {
			logger.Errorf("drive %q: cannot delete untagged volume %s: %v", p.DriveName, volumeID, derr)
		}
		return "", errors.Annotatef(err, "tagging volume %s", volumeID)
	}
	return volumeID, nil
}

// tagUntilVisible writes the drive-name tag and polls the volume until
// the tag reads back, tolerating the API's eventual consistency.
func (v *VolumeView) tagUntilVisible(ctx context.Context, volumeID, driveName string) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if err := v.pace(ctx); err != nil {
				return errors.Trace(err)
			}
			_, err := v.client.CreateTags(ctx, &ec2.CreateTagsInput{
				Resources: []string{volumeID},
				Tags: []types.Tag{{
					Key:   aws.String(TagDriveName),
					Value: aws.String(driveName),
				}},
			})
			return classify(err)
		},
		IsFatalError: func(err error) bool { return !IsRetryable(err) },
		Attempts:     5,
		Delay:        apiPacing,
		Clock:        v.clock,
		Stop:         ctx.Done(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(retry.Call(retry.CallArgs{
		Func: func() error {
			if err := v.pace(ctx); err != nil {
				return errors.Trace(err)
			}
			out, err := v.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
				VolumeIds: []string{volumeID},
			})
			if err != nil {
				return classify(err)
			}
			for _, vol := range out.Volumes {
				for _, tag := range vol.Tags {
					if aws.ToString(tag.Key) == TagDriveName && aws.ToString(tag.Value) == driveName {
						return nil
					}
				}
			}
			return errors.NotFoundf("tag %s on volume %s", TagDriveName, volumeID)
		},
		IsFatalError: func(err error) bool {
			return !IsRetryable(err) && !errors.Is(err, errors.NotFound)
		},
		Attempts: 10,
		Delay:    apiPacing,
		Clock:    v.clock,
		Stop:     ctx.Done(),
	}))
}

// Attach links the volume to this VM under the given device name.
// Kernel visibility is eventually consistent and is the probe's
// business; Attach only announces the attachment.
func (v *VolumeView) Attach(ctx context.Context, volumeID, deviceName string) error {
	logger.Debugf("attaching volume %s to %s as %s", volumeID, v.vmID, deviceName)
	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	if err := v.pace(ctx); err != nil {
		return errors.Trace(err)
	}
	_, err := v.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     aws.String(deviceName),
		InstanceId: aws.String(v.vmID),
		VolumeId:   aws.String(volumeID),
	})
	return errors.Annotatef(classify(err), "attaching volume %s", volumeID)
}

// Detach unlinks the volume from whatever VM holds it.
func (v *VolumeView) Detach(ctx context.Context, volumeID string) error {
	logger.Debugf("detaching volume %s", volumeID)
	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	if err := v.pace(ctx); err != nil {
		return errors.Trace(err)
	}
	_, err := v.client.DetachVolume(ctx, &ec2.DetachVolumeInput{
		VolumeId: aws.String(volumeID),
	})
	return errors.Annotatef(classify(err), "detaching volume %s", volumeID)
}

// Delete removes the volume from the cloud account. Deleting an
// already deleted volume reports not found, which callers may ignore.
func (v *VolumeView) Delete(ctx context.Context, volumeID string) error {
	logger.Debugf("deleting volume %s", volumeID)
	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	if err := v.pace(ctx); err != nil {
		return errors.Trace(err)
	}
	_, err := v.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{
		VolumeId: aws.String(volumeID),
	})
	return errors.Annotatef(classify(err), "deleting volume %s", volumeID)
}

// Resize grows the volume to newSizeGiB. The kernel and the physical
// volume see the new size only after a rescan; pvresize is the
// caller's business.
func (v *VolumeView) Resize(ctx context.Context, volumeID string, newSizeGiB int) error {
	logger.Debugf("resizing volume %s to %d GiB", volumeID, newSizeGiB)
	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	if err := v.pace(ctx); err != nil {
		return errors.Trace(err)
	}
	_, err := v.client.ModifyVolume(ctx, &ec2.ModifyVolumeInput{
		VolumeId: aws.String(volumeID),
		Size:     aws.Int32(int32(newSizeGiB)),
	})
	return errors.Annotatef(classify(err), "resizing volume %s", volumeID)
}
