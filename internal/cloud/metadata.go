// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cloud

import (
	"context"
	"io"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/juju/errors"
)

// InstanceIdentity is what the daemon needs to know about the VM it
// runs on: who to attach volumes to, and where to create them.
type InstanceIdentity struct {
	VMID             string
	AvailabilityZone string
	Region           string
}

// DiscoverInstance queries the instance metadata service for the
// identity of this VM.
func DiscoverInstance(ctx context.Context) (InstanceIdentity, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return InstanceIdentity{}, errors.Annotate(err, "loading metadata client configuration")
	}
	client := imds.NewFromConfig(awsCfg)

	vmID, err := metadataValue(ctx, client, "instance-id")
	if err != nil {
		return InstanceIdentity{}, errors.Annotate(err, "discovering VM id")
	}
	zone, err := metadataValue(ctx, client, "placement/availability-zone")
	if err != nil {
		return InstanceIdentity{}, errors.Annotate(err, "discovering availability zone")
	}
	// The region is the zone minus its trailing letter.
	region := strings.TrimRight(zone, "abcdefghijklmnopqrstuvwxyz")
	return InstanceIdentity{
		VMID:             vmID,
		AvailabilityZone: zone,
		Region:           region,
	}, nil
}

func metadataValue(ctx context.Context, client *imds.Client, path string) (string, error) {
	out, err := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return "", errors.Annotatef(classify(err), "reading metadata %q", path)
	}
	defer func() { _ = out.Content.Close() }()
	data, err := io.ReadAll(out.Content)
	if err != nil {
		return "", errors.Annotatef(err, "reading metadata %q", path)
	}
	return strings.TrimSpace(string(data)), nil
}
