// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/yaml.v3"
)

var logger = loggo.GetLogger("bsud.config")

const (
	// Environment variables overriding the authentication block.
	accessKeyEnv = "OSC_ACCESS_KEY"
	secretKeyEnv = "OSC_SECRET_KEY"

	defaultInitialSizeGiB      = 10
	defaultMaxBSUCount         = 10
	defaultMaxUsedSpacePerc    = 85
	defaultMinUsedSpacePerc    = 40
	defaultDiskScaleFactorPerc = 20
	defaultDiskType            = DiskTypeGP2
)

// Target declares the state a drive should converge to.
type Target string

const (
	// TargetOnline keeps the drive mounted and elastically sized.
	TargetOnline Target = "online"
	// TargetOffline unmounts the drive and detaches its volumes.
	TargetOffline Target = "offline"
	// TargetDelete detaches and deletes every volume of the drive.
	TargetDelete Target = "delete"
)

// DiskType names a cloud volume type.
type DiskType string

const (
	DiskTypeStandard DiskType = "standard"
	DiskTypeGP2      DiskType = "gp2"
	DiskTypeIO1      DiskType = "io1"
)

// Config is the validated, immutable daemon configuration. Live
// reconfiguration is not supported; a restart picks up changes.
type Config struct {
	Authentication *Authentication `yaml:"authentication"`
	Region         string          `yaml:"region"`
	Endpoint       string          `yaml:"endpoint"`
	Drives         []Drive         `yaml:"drives"`
}

// Authentication holds cloud API credentials.
type Authentication struct {
	AccessKey string `yaml:"access-key"`
	SecretKey string `yaml:"secret-key"`
}

// Drive declares one elastic drive.
type Drive struct {
	Name                string   `yaml:"name"`
	Target              Target   `yaml:"target"`
	MountPath           string   `yaml:"mount-path"`
	DiskType            DiskType `yaml:"disk-type"`
	DiskIOPSPerGiB      int      `yaml:"disk-iops-per-gib"`
	MaxTotalSizeGiB     int      `yaml:"max-total-size-gib"`
	InitialSizeGiB      int      `yaml:"initial-size-gib"`
	MaxBSUCount         int      `yaml:"max-bsu-count"`
	MaxUsedSpacePerc    int      `yaml:"max-used-space-perc"`
	MinUsedSpacePerc    int      `yaml:"min-used-space-perc"`
	DiskScaleFactorPerc int      `yaml:"disk-scale-factor-perc"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	logger.Debugf("reading configuration from %q", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading configuration")
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Annotate(err, "parsing configuration")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if ak := os.Getenv(accessKeyEnv); ak != "" {
		if c.Authentication == nil {
			c.Authentication = &Authentication{}
		}
		c.Authentication.AccessKey = ak
	}
	if sk := os.Getenv(secretKeyEnv); sk != "" {
		if c.Authentication == nil {
			c.Authentication = &Authentication{}
		}
		c.Authentication.SecretKey = sk
	}
	for i := range c.Drives {
		d := &c.Drives[i]
		if d.DiskType == "" {
			d.DiskType = defaultDiskType
		}
		if d.InitialSizeGiB == 0 {
			d.InitialSizeGiB = defaultInitialSizeGiB
		}
		if d.MaxBSUCount == 0 {
			d.MaxBSUCount = defaultMaxBSUCount
		}
		if d.MaxUsedSpacePerc == 0 {
			d.MaxUsedSpacePerc = defaultMaxUsedSpacePerc
		}
		if d.MinUsedSpacePerc == 0 {
			d.MinUsedSpacePerc = defaultMinUsedSpacePerc
		}
		if d.DiskScaleFactorPerc == 0 {
			d.DiskScaleFactorPerc = defaultDiskScaleFactorPerc
		}
	}
}

// Validate ensures the configuration is complete and coherent.
func (c *Config) Validate() error {
	if len(c.Drives) == 0 {
		return errors.NotValidf("configuration without drives")
	}
	seen := make(map[string]bool)
	for _, d := range c.Drives {
		if err := d.Validate(); err != nil {
			return errors.Trace(err)
		}
		if seen[d.Name] {
			return errors.NotValidf("duplicate drive name %q", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// Validate ensures a single drive declaration is coherent.
func (d Drive) Validate() error {
	if d.Name == "" {
		return errors.NotValidf("drive without name")
	}
	switch d.Target {
	case TargetOnline, TargetOffline, TargetDelete:
	default:
		return errors.NotValidf("drive %q: target %q", d.Name, d.Target)
	}
	if !filepath.IsAbs(d.MountPath) {
		return errors.NotValidf("drive %q: mount path %q", d.Name, d.MountPath)
	}
	switch d.DiskType {
	case DiskTypeStandard, DiskTypeGP2:
	case DiskTypeIO1:
		if d.DiskIOPSPerGiB <= 0 {
			return errors.NotValidf("drive %q: io1 without disk-iops-per-gib", d.Name)
		}
	default:
		return errors.NotValidf("drive %q: disk type %q", d.Name, d.DiskType)
	}
	if d.InitialSizeGiB < 1 {
		return errors.NotValidf("drive %q: initial-size-gib %d", d.Name, d.InitialSizeGiB)
	}
	if d.MaxBSUCount < 2 {
		return errors.NotValidf("drive %q: max-bsu-count %d", d.Name, d.MaxBSUCount)
	}
	if d.DiskScaleFactorPerc <= 0 {
		return errors.NotValidf("drive %q: disk-scale-factor-perc %d", d.Name, d.DiskScaleFactorPerc)
	}
	if d.MinUsedSpacePerc <= 0 || d.MaxUsedSpacePerc >= 100 || d.MinUsedSpacePerc >= d.MaxUsedSpacePerc {
		return errors.NotValidf(
			"drive %q: used space thresholds min %d, max %d",
			d.Name, d.MinUsedSpacePerc, d.MaxUsedSpacePerc)
	}
	if d.MaxTotalSizeGiB < 0 {
		return errors.NotValidf("drive %q: max-total-size-gib %d", d.Name, d.MaxTotalSizeGiB)
	}
	return nil
}
