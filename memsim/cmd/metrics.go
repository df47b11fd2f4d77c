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

package cmd

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"phoenix.dev/phoenix/memsim/cmd/util"
	"phoenix.dev/phoenix/memsim/config"
	"phoenix.dev/phoenix/pkg/metric"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	prefix string
	boot   bool
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print memory subsystem metrics in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [flags] - prints every registered metric in the Prometheus text exposition format, optionally after booting the machine.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.prefix, "exporter-prefix", "phoenix_", "prefix for all metric names.")
	f.BoolVar(&m.boot, "boot", true, "boot the machine first so that the counters have values.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if m.boot {
		mach, err := newMachine(conf)
		if err != nil {
			return util.Errorf("creating machine: %v", err)
		}
		defer mach.Close()
		if _, err := mach.boot(); err != nil {
			return util.Errorf("booting: %v", err)
		}
	}
	if err := metric.WritePrometheus(os.Stdout, m.prefix); err != nil {
		return util.Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
