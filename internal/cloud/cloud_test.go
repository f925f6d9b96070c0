// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cloud_test

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"bsud/internal/cloud"
	"bsud/internal/config"
)

type fakeClient struct {
	calls []string

	describeVolumes func(*ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error)
	createVolume    func(*ec2.CreateVolumeInput) (*ec2.CreateVolumeOutput, error)
	deleteVolume    func(*ec2.DeleteVolumeInput) (*ec2.DeleteVolumeOutput, error)
	attachVolume    func(*ec2.AttachVolumeInput) (*ec2.AttachVolumeOutput, error)
	detachVolume    func(*ec2.DetachVolumeInput) (*ec2.DetachVolumeOutput, error)
	createTags      func(*ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error)
	modifyVolume    func(*ec2.ModifyVolumeInput) (*ec2.ModifyVolumeOutput, error)
}

func (f *fakeClient) DescribeVolumes(_ context.Context, in *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	f.calls = append(f.calls, "DescribeVolumes")
	return f.describeVolumes(in)
}

func (f *fakeClient) CreateVolume(_ context.Context, in *ec2.CreateVolumeInput, _ ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error) {
	f.calls = append(f.calls, "CreateVolume")
	return f.createVolume(in)
}

func (f *fakeClient) DeleteVolume(_ context.Context, in *ec2.DeleteVolumeInput, _ ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	f.calls = append(f.calls, "DeleteVolume")
	return f.deleteVolume(in)
}

func (f *fakeClient) AttachVolume(_ context.Context, in *ec2.AttachVolumeInput, _ ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error) {
	f.calls = append(f.calls, "AttachVolume")
	return f.attachVolume(in)
}

func (f *fakeClient) DetachVolume(_ context.Context, in *ec2.DetachVolumeInput, _ ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error) {
	f.calls = append(f.calls, "DetachVolume")
	return f.detachVolume(in)
}

func (f *fakeClient) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.calls = append(f.calls, "CreateTags")
	return f.createTags(in)
}

func (f *fakeClient) ModifyVolume(_ context.Context, in *ec2.ModifyVolumeInput, _ ...func(*ec2.Options)) (*ec2.ModifyVolumeOutput, error) {
	f.calls = append(f.calls, "ModifyVolume")
	return f.modifyVolume(in)
}

type cloudSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&cloudSuite{})

func (s *cloudSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.PatchValue(cloud.APIPacing, time.Millisecond)
}

func newView(client cloud.Client) *cloud.VolumeView {
	return cloud.NewVolumeView(client, clock.WallClock, "i-12345", "eu-west-2a")
}

func taggedVolume(id string, sizeGiB int32, drive string) types.Volume {
	created := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return types.Volume{
		VolumeId:   aws.String(id),
		Size:       aws.Int32(sizeGiB),
		State:      types.VolumeStateInUse,
		CreateTime: aws.Time(created),
		Tags: []types.Tag{{
			Key:   aws.String(cloud.TagDriveName),
			Value: aws.String(drive),
		}},
		Attachments: []types.VolumeAttachment{{
			State:      types.VolumeAttachmentStateAttached,
			InstanceId: aws.String("i-12345"),
			Device:     aws.String("/dev/xvdb"),
		}},
	}
}

func (s *cloudSuite) TestListForDriveFiltersAndMaps(c *gc.C) {
	var gotInput *ec2.DescribeVolumesInput
	client := &fakeClient{
		describeVolumes: func(in *ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error) {
			gotInput = in
			return &ec2.DescribeVolumesOutput{
				Volumes: []types.Volume{taggedVolume("vol-1", 10, "data")},
			}, nil
		},
	}
	devices, err := newView(client).ListForDrive(context.Background(), "data")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(gotInput.Filters, gc.HasLen, 2)
	c.Assert(aws.ToString(gotInput.Filters[0].Name), gc.Equals, "tag:drive-name")
	c.Assert(gotInput.Filters[0].Values, jc.DeepEquals, []string{"data"})
	c.Assert(aws.ToString(gotInput.Filters[1].Name), gc.Equals, "status")
	c.Assert(gotInput.Filters[1].Values, jc.DeepEquals, []string{"creating", "available", "in-use"})

	c.Assert(devices, gc.HasLen, 1)
	d := devices[0]
	c.Assert(d.VolumeID, gc.Equals, "vol-1")
	c.Assert(d.SizeGiB, gc.Equals, 10)
	c.Assert(d.AttachedVM, gc.Equals, "i-12345")
	c.Assert(d.DeviceName, gc.Equals, "/dev/xvdb")
	c.Assert(d.Attached("i-12345"), jc.IsTrue)
	c.Assert(d.SizeBytes(), gc.Equals, uint64(10)<<30)
}

func (s *cloudSuite) TestCreateTagsBeforeReturning(c *gc.C) {
	client := &fakeClient{}
	client.createVolume = func(in *ec2.CreateVolumeInput) (*ec2.CreateVolumeOutput, error) {
		c.Check(aws.ToString(in.AvailabilityZone), gc.Equals, "eu-west-2a")
		c.Check(aws.ToInt32(in.Size), gc.Equals, int32(12))
		c.Check(in.VolumeType, gc.Equals, types.VolumeTypeGp2)
		c.Check(in.Iops, gc.IsNil)
		return &ec2.CreateVolumeOutput{VolumeId: aws.String("vol-new")}, nil
	}
	client.createTags = func(in *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
		c.Check(in.Resources, jc.DeepEquals, []string{"vol-new"})
		c.Check(aws.ToString(in.Tags[0].Key), gc.Equals, "drive-name")
		c.Check(aws.ToString(in.Tags[0].Value), gc.Equals, "data")
		return &ec2.CreateTagsOutput{}, nil
	}
	client.describeVolumes = func(in *ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error) {
		return &ec2.DescribeVolumesOutput{
			Volumes: []types.Volume{taggedVolume("vol-new", 12, "data")},
		}, nil
	}
	id, err := newView(client).Create(context.Background(), cloud.CreateParams{
		DriveName: "data",
		SizeGiB:   12,
		DiskType:  config.DiskTypeGP2,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(id, gc.Equals, "vol-new")
	c.Assert(client.calls, jc.DeepEquals, []string{"CreateVolume", "CreateTags", "DescribeVolumes"})
}

func (s *cloudSuite) TestCreateRetriesUntilTagVisible(c *gc.C) {
	describes := 0
	client := &fakeClient{}
	client.createVolume = func(*ec2.CreateVolumeInput) (*ec2.CreateVolumeOutput, error) {
		return &ec2.CreateVolumeOutput{VolumeId: aws.String("vol-new")}, nil
	}
	client.createTags = func(*ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
		return &ec2.CreateTagsOutput{}, nil
	}
	client.describeVolumes = func(*ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error) {
		describes++
		if describes < 3 {
			// The tag is not visible yet.
			return &ec2.DescribeVolumesOutput{
				Volumes: []types.Volume{{VolumeId: aws.String("vol-new")}},
			}, nil
		}
		return &ec2.DescribeVolumesOutput{
			Volumes: []types.Volume{taggedVolume("vol-new", 12, "data")},
		}, nil
	}
	id, err := newView(client).Create(context.Background(), cloud.CreateParams{
		DriveName: "data",
		SizeGiB:   12,
		DiskType:  config.DiskTypeGP2,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(id, gc.Equals, "vol-new")
	c.Assert(describes, gc.Equals, 3)
}

func (s *cloudSuite) TestCreateDeletesOrphanOnTagFailure(c *gc.C) {
	deleted := ""
	client := &fakeClient{}
	client.createVolume = func(*ec2.CreateVolumeInput) (*ec2.CreateVolumeOutput, error) {
		return &ec2.CreateVolumeOutput{VolumeId: aws.String("vol-orphan")}, nil
	}
	client.createTags = func(*ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
		return nil, &smithy.GenericAPIError{
			Code: "UnauthorizedOperation", Fault: smithy.FaultClient,
		}
	}
	client.deleteVolume = func(in *ec2.DeleteVolumeInput) (*ec2.DeleteVolumeOutput, error) {
		deleted = aws.ToString(in.VolumeId)
		return &ec2.DeleteVolumeOutput{}, nil
	}
	_, err := newView(client).Create(context.Background(), cloud.CreateParams{
		DriveName: "data",
		SizeGiB:   12,
		DiskType:  config.DiskTypeGP2,
	})
	c.Assert(err, gc.NotNil)
	c.Assert(deleted, gc.Equals, "vol-orphan")
}

func (s *cloudSuite) TestCreateIO1CapsIOPS(c *gc.C) {
	client := &fakeClient{}
	client.createVolume = func(in *ec2.CreateVolumeInput) (*ec2.CreateVolumeOutput, error) {
		c.Check(in.VolumeType, gc.Equals, types.VolumeTypeIo1)
		// 200 GiB at 100 IOPS/GiB would be 20000; capped at 13000.
		c.Check(aws.ToInt32(in.Iops), gc.Equals, int32(13000))
		return &ec2.CreateVolumeOutput{VolumeId: aws.String("vol-io")}, nil
	}
	client.createTags = func(*ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
		return &ec2.CreateTagsOutput{}, nil
	}
	client.describeVolumes = func(*ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error) {
		return &ec2.DescribeVolumesOutput{
			Volumes: []types.Volume{taggedVolume("vol-io", 200, "data")},
		}, nil
	}
	_, err := newView(client).Create(context.Background(), cloud.CreateParams{
		DriveName:  "data",
		SizeGiB:    200,
		DiskType:   config.DiskTypeIO1,
		IOPSPerGiB: 100,
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *cloudSuite) TestAttachDetachDeleteResize(c *gc.C) {
	client := &fakeClient{}
	client.attachVolume = func(in *ec2.AttachVolumeInput) (*ec2.AttachVolumeOutput, error) {
		c.Check(aws.ToString(in.VolumeId), gc.Equals, "vol-1")
		c.Check(aws.ToString(in.InstanceId), gc.Equals, "i-12345")
		c.Check(aws.ToString(in.Device), gc.Equals, "/dev/xvdc")
		return &ec2.AttachVolumeOutput{}, nil
	}
	client.detachVolume = func(in *ec2.DetachVolumeInput) (*ec2.DetachVolumeOutput, error) {
		c.Check(aws.ToString(in.VolumeId), gc.Equals, "vol-1")
		return &ec2.DetachVolumeOutput{}, nil
	}
	client.deleteVolume = func(in *ec2.DeleteVolumeInput) (*ec2.DeleteVolumeOutput, error) {
		c.Check(aws.ToString(in.VolumeId), gc.Equals, "vol-1")
		return &ec2.DeleteVolumeOutput{}, nil
	}
	client.modifyVolume = func(in *ec2.ModifyVolumeInput) (*ec2.ModifyVolumeOutput, error) {
		c.Check(aws.ToString(in.VolumeId), gc.Equals, "vol-1")
		c.Check(aws.ToInt32(in.Size), gc.Equals, int32(20))
		return &ec2.ModifyVolumeOutput{}, nil
	}
	view := newView(client)
	ctx := context.Background()
	c.Assert(view.Attach(ctx, "vol-1", "/dev/xvdc"), jc.ErrorIsNil)
	c.Assert(view.Detach(ctx, "vol-1"), jc.ErrorIsNil)
	c.Assert(view.Delete(ctx, "vol-1"), jc.ErrorIsNil)
	c.Assert(view.Resize(ctx, "vol-1", 20), jc.ErrorIsNil)
}

func (s *cloudSuite) TestClassify(c *gc.C) {
	for _, t := range []struct {
		code  string
		fault smithy.ErrorFault
		check func(error) bool
	}{
		{"RequestLimitExceeded", smithy.FaultClient, func(err error) bool { return errors.Is(err, cloud.ErrRateLimited) }},
		{"Throttling", smithy.FaultClient, func(err error) bool { return errors.Is(err, cloud.ErrRateLimited) }},
		{"InvalidVolume.NotFound", smithy.FaultClient, func(err error) bool { return errors.Is(err, errors.NotFound) }},
		{"VolumeInUse", smithy.FaultClient, func(err error) bool { return errors.Is(err, cloud.ErrConflict) }},
		{"InternalError", smithy.FaultServer, func(err error) bool { return errors.Is(err, cloud.ErrTransient) }},
		{"SomethingUnknown", smithy.FaultServer, func(err error) bool { return errors.Is(err, cloud.ErrTransient) }},
	} {
		err := cloud.Classify(&smithy.GenericAPIError{Code: t.code, Fault: t.fault})
		c.Check(t.check(err), jc.IsTrue, gc.Commentf("code %s", t.code))
	}

	// A client-side validation error stays permanent.
	err := cloud.Classify(&smithy.GenericAPIError{Code: "InvalidParameterValue", Fault: smithy.FaultClient})
	c.Check(cloud.IsRetryable(err), jc.IsFalse)
	c.Check(cloud.Classify(nil), jc.ErrorIsNil)
}
