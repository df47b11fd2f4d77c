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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"phoenix.dev/phoenix/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by whoever runs memsim.
var ErrorLogger io.Writer = os.Stderr

// Infof writes an informational message to stdout and to the log.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// Errorf logs an error to the log and to ErrorLogger, and returns
// subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	fmt.Fprintf(ErrorLogger, format+"\n", args...)
	return subcommands.ExitFailure
}

// Fatalf logs the same message as Errorf and exits.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}
