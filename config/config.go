// config.go - fetch engine configuration.
// Copyright (C) 2019  David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config provides the fetch engine configuration.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/007pig/fred-sub002/constants"
)

const (
	defaultLogLevel       = "NOTICE"
	defaultKeystoreFile   = "keystore.db"
	defaultFECMemoryBytes = 64 * 1024 * 1024

	// PolicyHard selects strict priority order.
	PolicyHard = "HARD"

	// PolicySoft selects weighted random priority selection.
	PolicySoft = "SOFT"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lCfg.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Fetch tunes the fetch pipeline.
type Fetch struct {
	// MaxRetries caps single block retries; -1 means retry forever.
	MaxRetries int

	// MaxSplitfileBlockRetries caps splitfile block retries; -1
	// means retry forever.
	MaxSplitfileBlockRetries int

	// CooldownRetries is the consecutive failure count that parks a
	// key.
	CooldownRetries int

	// CooldownTimeMs is the per key cooldown duration in
	// milliseconds.
	CooldownTimeMs int64

	// MaxMetadataSize caps a metadata bucket before parsing.
	MaxMetadataSize int64

	// MaxOutputLength caps the decoded output size.
	MaxOutputLength int64

	// MaxTempLength caps intermediate bucket sizes.
	MaxTempLength int64

	// MaxRecursionLevel caps metadata walker depth.
	MaxRecursionLevel int

	// AllowedMIMETypes whitelists declared MIME types; empty allows
	// all.
	AllowedMIMETypes []string

	// ReturnZipManifests surfaces archive manifests whole instead of
	// descending into them.
	ReturnZipManifests bool

	// IgnoreTooManyPathComponents suppresses the corresponding error
	// for intermediate fetches.
	IgnoreTooManyPathComponents bool

	// CacheLocalRequests stores successfully fetched blocks in the
	// local keystore.
	CacheLocalRequests bool
}

func (fCfg *Fetch) applyDefaults() {
	if fCfg.MaxRetries == 0 {
		fCfg.MaxRetries = 10
	}
	if fCfg.MaxSplitfileBlockRetries == 0 {
		fCfg.MaxSplitfileBlockRetries = 3
	}
	if fCfg.CooldownRetries == 0 {
		fCfg.CooldownRetries = constants.CooldownRetries
	}
	if fCfg.CooldownTimeMs == 0 {
		fCfg.CooldownTimeMs = int64(constants.DefaultCooldownTime / time.Millisecond)
	}
	if fCfg.MaxMetadataSize == 0 {
		fCfg.MaxMetadataSize = constants.DefaultMaxMetadataSize
	}
	if fCfg.MaxOutputLength == 0 {
		fCfg.MaxOutputLength = constants.DefaultMaxOutputLength
	}
	if fCfg.MaxTempLength == 0 {
		fCfg.MaxTempLength = constants.DefaultMaxTempLength
	}
	if fCfg.MaxRecursionLevel == 0 {
		fCfg.MaxRecursionLevel = constants.DefaultMaxRecursionLevel
	}
}

func (fCfg *Fetch) validate() error {
	if fCfg.MaxRetries < -1 || fCfg.MaxSplitfileBlockRetries < -1 {
		return errors.New("config: Fetch: negative retry caps other than -1 are invalid")
	}
	if fCfg.CooldownRetries < 1 {
		return errors.New("config: Fetch: CooldownRetries must be positive")
	}
	if fCfg.CooldownTimeMs < 1 {
		return errors.New("config: Fetch: CooldownTimeMs must be positive")
	}
	if fCfg.MaxRecursionLevel < 1 {
		return errors.New("config: Fetch: MaxRecursionLevel must be positive")
	}
	return nil
}

// CooldownTime returns the cooldown duration.
func (fCfg *Fetch) CooldownTime() time.Duration {
	return time.Duration(fCfg.CooldownTimeMs) * time.Millisecond
}

// Scheduler tunes request selection.
type Scheduler struct {
	// PriorityPolicy is HARD for deterministic priority order or
	// SOFT for the weighted random selection table.
	PriorityPolicy string

	// FECWorkers bounds concurrent FEC jobs.
	FECWorkers int

	// FECMemoryBytes is the decode buffer budget.
	FECMemoryBytes int64
}

func (sCfg *Scheduler) applyDefaults() {
	if sCfg.PriorityPolicy == "" {
		sCfg.PriorityPolicy = PolicyHard
	}
	if sCfg.FECWorkers == 0 {
		sCfg.FECWorkers = constants.MaxRunningFEC
	}
	if sCfg.FECMemoryBytes == 0 {
		sCfg.FECMemoryBytes = defaultFECMemoryBytes
	}
}

func (sCfg *Scheduler) validate() error {
	switch strings.ToUpper(sCfg.PriorityPolicy) {
	case PolicyHard, PolicySoft:
		sCfg.PriorityPolicy = strings.ToUpper(sCfg.PriorityPolicy)
	default:
		return fmt.Errorf("config: Scheduler: PriorityPolicy '%v' is invalid", sCfg.PriorityPolicy)
	}
	return nil
}

// Storage configures the on-disk footprint.
type Storage struct {
	// DataDir is the directory holding splitfile storages and
	// temporary buckets.
	DataDir string

	// KeystoreFile is the local block store database, relative to
	// DataDir unless absolute.
	KeystoreFile string
}

func (stCfg *Storage) validate() error {
	if stCfg.DataDir == "" {
		return errors.New("config: Storage: DataDir is not set")
	}
	if stCfg.KeystoreFile == "" {
		stCfg.KeystoreFile = defaultKeystoreFile
	}
	if !filepath.IsAbs(stCfg.KeystoreFile) {
		stCfg.KeystoreFile = filepath.Join(stCfg.DataDir, stCfg.KeystoreFile)
	}
	return nil
}

// Config is the top level configuration.
type Config struct {
	Logging   *Logging
	Fetch     *Fetch
	Scheduler *Scheduler
	Storage   *Storage
}

// FixupAndValidate applies defaults and validates the configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Fetch == nil {
		cfg.Fetch = &Fetch{}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = &Scheduler{}
	}
	if cfg.Storage == nil {
		return errors.New("config: No Storage block was present")
	}
	cfg.Fetch.applyDefaults()
	cfg.Scheduler.applyDefaults()
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Fetch.validate(); err != nil {
		return err
	}
	if err := cfg.Scheduler.validate(); err != nil {
		return err
	}
	return cfg.Storage.validate()
}

// Load parses and validates a TOML document.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the configuration at path.
func LoadFile(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
