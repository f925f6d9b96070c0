// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cloud

import (
	"context"
	"net"

	"github.com/aws/smithy-go"
	"github.com/juju/errors"
)

const (
	// ErrTransient marks failures worth retrying on the next cycle
	// with a backoff floor: network timeouts, 5xx responses.
	ErrTransient = errors.ConstError("transient cloud error")

	// ErrRateLimited marks API throttling responses.
	ErrRateLimited = errors.ConstError("cloud API rate limited")

	// ErrConflict marks failures caused by concurrent mutation of
	// cloud state: the next cycle must re-observe before acting.
	ErrConflict = errors.ConstError("conflicting cloud state")
)

// classify maps a cloud API failure onto the retry taxonomy. Server
// faults with an unlisted code are transient; anything else not
// recognised is left untouched and treated as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.WithType(err, ErrTransient)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errors.WithType(err, ErrTransient)
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return errors.Trace(err)
	}
	switch apiErr.ErrorCode() {
	case "RequestLimitExceeded", "Throttling", "ThrottlingException":
		return errors.WithType(err, ErrRateLimited)
	case "InvalidVolume.NotFound", "InvalidVolumeID.NotFound":
		return errors.NewNotFound(err, "volume")
	case "VolumeInUse", "IncorrectState", "IncorrectInstanceState", "InvalidAttachment.NotFound":
		return errors.WithType(err, ErrConflict)
	case "InternalError", "InternalFailure", "ServiceUnavailable", "RequestExpired":
		return errors.WithType(err, ErrTransient)
	}
	if apiErr.ErrorFault() == smithy.FaultServer {
		return errors.WithType(err, ErrTransient)
	}
	return errors.Trace(err)
}

// IsRetryable reports whether err should simply end the cycle and be
// retried later, as opposed to being logged as a permanent failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}
