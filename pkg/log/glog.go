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

package log

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pid is the space-padded thread id component of the header. glog uses seven
// columns.
var pid = padLeft(strconv.Itoa(os.Getpid()), 7)

func padLeft(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", width-len(s)) + s
}

// appendDigits appends v as exactly n zero-padded decimal digits.
func appendDigits(b []byte, v, n int) []byte {
	for i := n - 1; i >= 0; i-- {
		b = append(b, 0)
	}
	for i := len(b) - 1; n > 0; i, n = i-1, n-1 {
		b[i] = '0' + byte(v%10)
		v /= 10
	}
	return b
}

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
//
// The format string is rewritten with the header prepended, so the arguments
// are still only formatted once by the underlying emitter.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	b := make([]byte, 0, 64+len(format))

	switch level {
	case Debug:
		b = append(b, 'D')
	case Info:
		b = append(b, 'I')
	default:
		b = append(b, 'W')
	}

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	b = appendDigits(b, int(month), 2)
	b = appendDigits(b, day, 2)
	b = append(b, ' ')
	b = appendDigits(b, hour, 2)
	b = append(b, ':')
	b = appendDigits(b, minute, 2)
	b = append(b, ':')
	b = appendDigits(b, second, 2)
	b = append(b, '.')
	b = appendDigits(b, timestamp.Nanosecond()/1000, 6)
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')

	file, line := "x", 0
	if _, f, l, ok := runtime.Caller(depth + 1); ok {
		file, line = f[strings.LastIndexByte(f, '/')+1:], l
	}
	b = append(b, file...)
	b = append(b, ':')
	b = strconv.AppendInt(b, int64(line), 10)
	b = append(b, "] "...)

	b = append(b, format...)
	b = append(b, '\n')

	g.Emitter.Emit(depth+1, level, timestamp, string(b), args...)
}
