// Copyright 2026 The gVisor Authors.
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
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
//
// where L is the first letter of the level and pid is padded to seven
// columns.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

var pid = os.Getpid()

// caller returns the base name and line of the function depth frames above
// its caller, or "???", 0.
func caller(depth int) (string, int) {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "???", 0
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file, line
}

// levelLetter returns the glog severity letter for l.
func levelLetter(l Level) byte {
	switch l {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	default:
		return 'W'
	}
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	file, line := caller(depth + 1)
	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	header := fmt.Sprintf("%c%02d%02d %02d:%02d:%02d.%06d %7d %s:%d] ",
		levelLetter(level), int(month), day, hour, minute, second, timestamp.Nanosecond()/1000, pid, file, line)

	// The header is passed as a literal so that any '%' in file names is not
	// interpreted.
	g.Emitter.Emit(depth+1, level, timestamp, "%s"+format+"\n", append([]any{header}, args...)...)
}
