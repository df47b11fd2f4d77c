// Copyright 2026 The Phoenix Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for memsim. Each setting that can be changed from the command line must be
// added to Config and a flag registered in RegisterFlags.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"phoenix.dev/phoenix/pkg/log"
	"phoenix.dev/phoenix/pkg/pagetables"
)

// Config holds configuration that is not part of a machine profile.
type Config struct {
	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// Profile is the path of a TOML or YAML machine profile. If empty the
	// built-in profile is used.
	Profile string `flag:"profile"`

	// PageSize selects the translation granule: 4K, 16K or 64K.
	PageSize string `flag:"page-size"`

	// VirtBits is the width of virtual addresses.
	VirtBits uint `flag:"virt-bits"`

	// PhysBits is the width of physical addresses. It overrides the
	// profile if set.
	PhysBits uint `flag:"phys-bits"`

	// ASIDBits is the width of address space identifiers.
	ASIDBits uint `flag:"asid-bits"`

	// SlabPages is the number of pages set aside for constant-time single
	// page allocation. 0 disables the page slab.
	SlabPages uint `flag:"slab-pages"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("profile", "", "path to a machine profile (.toml, .yaml or .yml). Empty uses the built-in profile.")
	flagSet.String("page-size", "4K", "translation granule: 4K (default), 16K or 64K.")
	flagSet.Uint("virt-bits", 48, "width of virtual addresses; 52 needs -page-size=64K.")
	flagSet.Uint("phys-bits", 0, "width of physical addresses. 0 uses the profile's value.")
	flagSet.Uint("asid-bits", 16, "width of address space identifiers: 8 or 16.")
	flagSet.Uint("slab-pages", 256, "pages reserved for the page slab; a power of two, or 0 to disable it.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			panic(fmt.Sprintf("Flag %q cannot be read back", name))
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if _, err := c.Granule(); err != nil {
		return err
	}
	if c.ASIDBits != 8 && c.ASIDBits != 16 {
		return fmt.Errorf("invalid ASID width %d, must be 8 or 16", c.ASIDBits)
	}
	if c.SlabPages&(c.SlabPages-1) != 0 {
		return fmt.Errorf("invalid page slab size %d, must be a power of two or 0", c.SlabPages)
	}
	return nil
}

// Granule returns the translation granule selected by PageSize.
func (c *Config) Granule() (*pagetables.Granule, error) {
	kb, err := strconv.ParseUint(strings.TrimSuffix(c.PageSize, "K"), 10, 64)
	if err != nil || !strings.HasSuffix(c.PageSize, "K") {
		return nil, fmt.Errorf("invalid page size %q, must be 4K, 16K or 64K", c.PageSize)
	}
	g, err := pagetables.GranuleForPageSize(kb << 10)
	if err != nil {
		return nil, fmt.Errorf("invalid page size %q: %w", c.PageSize, err)
	}
	return g, nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Profile: %q", c.Profile)
	log.Infof("Config.PageSize: %s", c.PageSize)
	log.Infof("Config.VirtBits: %d", c.VirtBits)
	log.Infof("Config.PhysBits: %d", c.PhysBits)
	log.Infof("Config.ASIDBits: %d", c.ASIDBits)
	log.Infof("Config.SlabPages: %d", c.SlabPages)
	log.Infof("Config.Debug: %t", c.Debug)
}
