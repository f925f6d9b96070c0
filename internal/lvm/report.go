// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lvm

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// The lvm fullreport JSON model, trimmed to the fields consumed here.
// All numeric fields are reported as strings; sizes carry a trailing
// unit suffix because the report is requested with --units B.

type fullReport struct {
	Report []Report `json:"report"`
}

// Report is one lvm report group: the volume group (absent for
// orphan physical volumes), its physical volumes and logical volumes.
type Report struct {
	VG []VolumeGroup    `json:"vg"`
	PV []PhysicalVolume `json:"pv"`
	LV []LogicalVolume  `json:"lv"`
}

// VolumeGroup is the vg section of a report.
type VolumeGroup struct {
	Name string `json:"vg_name"`
	Size string `json:"vg_size"`
	Free string `json:"vg_free"`
}

// PhysicalVolume is the pv section of a report.
type PhysicalVolume struct {
	Name       string `json:"pv_name"`
	Size       string `json:"pv_size"`
	Used       string `json:"pv_used"`
	AllocCount string `json:"pv_pe_alloc_count"`
}

// LogicalVolume is the lv section of a report.
type LogicalVolume struct {
	Name   string `json:"lv_name"`
	Path   string `json:"lv_path"`
	Size   string `json:"lv_size"`
	Active string `json:"lv_active"`
}

// Devices lists the device paths of every physical volume in the
// report.
func (r Report) Devices() []string {
	devices := make([]string, 0, len(r.PV))
	for _, pv := range r.PV {
		devices = append(devices, pv.Name)
	}
	return devices
}

// HasAllocatedExtents reports whether the named physical volume still
// holds allocated extents, i.e. needs evacuating before removal.
func (r Report) HasAllocatedExtents(device string) (bool, error) {
	for _, pv := range r.PV {
		if pv.Name != device {
			continue
		}
		count, err := strconv.Atoi(strings.TrimSpace(pv.AllocCount))
		if err != nil {
			return false, errors.Annotatef(err, "parsing allocated extent count of %s", device)
		}
		return count > 0, nil
	}
	return false, errors.NotFoundf("physical volume %s", device)
}

func parseReports(data []byte) ([]Report, error) {
	var full fullReport
	if err := json.Unmarshal(data, &full); err != nil {
		return nil, errors.Annotate(err, "parsing lvm report")
	}
	return full.Report, nil
}

// parseSize turns an lvm size string like "10737418240B" into bytes.
func parseSize(s string) (uint64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "B")
	size, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Annotatef(err, "parsing lvm size %q", s)
	}
	return size, nil
}
