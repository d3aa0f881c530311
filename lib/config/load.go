// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"dario.cat/mergo"
	"github.com/cbrain/bourreau/sdk/go/bourreau"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

type Loader struct {
	Logger logrus.FieldLogger
	// Path is the site config file, or "-" for stdin.
	Path string
	// Strict makes unknown keys in the site config an error
	// instead of a warning.
	Strict bool

	stdin io.Reader
}

// NewLoader returns a new Loader with Path set to the default config
// file location. stdin is used when Path is "-".
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{stdin: stdin, Logger: logger}
	ldr.Path = bourreau.DefaultConfigFile
	if path := os.Getenv("BOURREAU_CONFIG"); path != "" {
		ldr.Path = path
	}
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's behavior.
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", ldr.Path, "Site configuration `file` (default may be overridden by setting a BOURREAU_CONFIG environment variable)")
}

func (ldr *Loader) Load() (*bourreau.Config, error) {
	var buf []byte
	var err error
	if ldr.Path == "-" {
		buf, err = io.ReadAll(ldr.stdin)
	} else {
		buf, err = os.ReadFile(ldr.Path)
	}
	if err != nil {
		return nil, err
	}
	return ldr.LoadBytes(buf)
}

func (ldr *Loader) LoadBytes(buf []byte) (*bourreau.Config, error) {
	var defaults bourreau.Config
	err := yaml.Unmarshal(DefaultYAML, &defaults)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	var cfg bourreau.Config
	err = yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	// Site values are unmarshalled over the defaults.
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}
	if err = ldr.checkUnknownKeys(buf); err != nil {
		return nil, err
	}

	siteDefault, hasSiteDefault := cfg.Resources["*"]
	if cfg.Resources == nil {
		cfg.Resources = map[string]bourreau.Resource{}
	}
	for id, rc := range cfg.Resources {
		if hasSiteDefault && id != "*" {
			if err := mergo.Merge(&rc, siteDefault); err != nil {
				return nil, fmt.Errorf("Resources.%s: %w", id, err)
			}
		}
		if err := mergo.Merge(&rc, defaults.Resources["*"]); err != nil {
			return nil, fmt.Errorf("Resources.%s: %w", id, err)
		}
		cfg.Resources[id] = rc
	}
	if _, ok := cfg.Resources["*"]; !ok {
		cfg.Resources["*"] = defaults.Resources["*"]
	}
	if err := ldr.validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// checkUnknownKeys decodes the site config strictly, so typos like
// "ClusterTyp" are reported.
func (ldr *Loader) checkUnknownKeys(buf []byte) error {
	js, err := yaml.YAMLToJSON(buf)
	if err != nil {
		return err
	}
	if bytes.Equal(bytes.TrimSpace(js), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.DisallowUnknownFields()
	var strict bourreau.Config
	err = dec.Decode(&strict)
	if err == nil {
		return nil
	}
	if ldr.Strict {
		return fmt.Errorf("site config: %w", err)
	}
	if ldr.Logger != nil {
		ldr.Logger.WithError(err).Warn("site config contains unrecognized entries")
	}
	return nil
}

func (ldr *Loader) validate(cfg *bourreau.Config) error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("Database.Driver: unsupported driver %q", cfg.Database.Driver)
	}
	for id, rc := range cfg.Resources {
		if id != "*" {
			if _, err := strconv.ParseInt(id, 10, 64); err != nil {
				return fmt.Errorf("Resources: invalid resource ID %q", id)
			}
		}
		switch rc.ClusterType {
		case "lsf", "slurm", "local":
		default:
			return fmt.Errorf("Resources.%s.ClusterType: unsupported value %q", id, rc.ClusterType)
		}
		switch rc.Notifications {
		case "db", "log":
		default:
			return fmt.Errorf("Resources.%s.Notifications: unsupported value %q", id, rc.Notifications)
		}
		if rc.WorkRoot == "" {
			return fmt.Errorf("Resources.%s.WorkRoot: must not be empty", id)
		}
		if rc.CheckInterval <= 0 || rc.Sync.CheckInterval <= 0 {
			return fmt.Errorf("Resources.%s: check intervals must be positive", id)
		}
	}
	for id, dp := range cfg.DataProviders {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			return fmt.Errorf("DataProviders: invalid data provider ID %q", id)
		}
		switch dp.Type {
		case "local":
			if dp.Root == "" {
				return fmt.Errorf("DataProviders.%s.Root: must not be empty", id)
			}
		case "s3":
			if dp.Bucket == "" {
				return fmt.Errorf("DataProviders.%s.Bucket: must not be empty", id)
			}
		default:
			return fmt.Errorf("DataProviders.%s.Type: unsupported value %q", id, dp.Type)
		}
	}
	return nil
}
