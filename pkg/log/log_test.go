// Copyright 2018 The gVisor Authors.
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
	"bytes"
	"fmt"
	stdlog "log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"\n*** Dropped 2 log messages ***\n",
		"line 2\n",
	}
	if diff := cmp.Diff(expected, tw.lines); diff != "" {
		t.Errorf("Writer output mismatch (-want +got):\n%s", diff)
	}
}

func TestLevels(t *testing.T) {
	for _, test := range []struct {
		level   Level
		logging []Level
		silent  []Level
	}{
		{level: Warning, logging: []Level{Warning}, silent: []Level{Info, Debug}},
		{level: Info, logging: []Level{Warning, Info}, silent: []Level{Debug}},
		{level: Debug, logging: []Level{Warning, Info, Debug}},
	} {
		l := BasicLogger{Level: test.level, Emitter: &Writer{Next: &testWriter{}}}
		for _, lv := range test.logging {
			if !l.IsLogging(lv) {
				t.Errorf("logger at %v: IsLogging(%v) = false, want true", test.level, lv)
			}
		}
		for _, lv := range test.silent {
			if l.IsLogging(lv) {
				t.Errorf("logger at %v: IsLogging(%v) = true, want false", test.level, lv)
			}
		}
	}
}

func TestParseLevel(t *testing.T) {
	for _, test := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "warning", want: Warning},
		{in: "WARN", want: Warning},
		{in: "Info", want: Info},
		{in: "debug", want: Debug},
		{in: "trace", wantErr: true},
	} {
		got, err := ParseLevel(test.in)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseLevel(%q) error: got %v, wantErr %v", test.in, err, test.wantErr)
			continue
		}
		if err == nil && got != test.want {
			t.Errorf("ParseLevel(%q): got %v, want %v", test.in, got, test.want)
		}
	}
}

func TestGoogleEmitter(t *testing.T) {
	tw := &testWriter{}
	l := BasicLogger{Level: Debug, Emitter: GoogleEmitter{&Writer{Next: tw}}}
	l.Infof("hello %d", 42)
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %v", len(tw.lines), tw.lines)
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "I") {
		t.Errorf("line %q does not start with level 'I'", line)
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("line %q does not name the calling file", line)
	}
	if !strings.HasSuffix(line, "] hello 42\n") {
		t.Errorf("line %q does not end with the message", line)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(base, time.Hour)
	for i := 0; i < 5; i++ {
		rl.Warningf("message %d", i)
	}
	if diff := cmp.Diff([]string{"message 0"}, tw.lines); diff != "" {
		t.Errorf("rate limited output mismatch (-want +got):\n%s", diff)
	}
	if !rl.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug): got false, want true")
	}
}

func TestMultiEmitter(t *testing.T) {
	tw1, tw2 := &testWriter{}, &testWriter{}
	m := MultiEmitter{&Writer{Next: tw1}, &Writer{Next: tw2}}
	l := BasicLogger{Level: Info, Emitter: &m}
	l.Warningf("both")
	for i, tw := range []*testWriter{tw1, tw2} {
		if diff := cmp.Diff([]string{"both"}, tw.lines); diff != "" {
			t.Errorf("emitter %d output mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	opts := PatternOpts{Command: "stress", Time: time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)}
	f, err := OpenFile(dir+"/", os.O_CREATE|os.O_WRONLY, opts)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer f.Close()
	want := filepath.Join(dir, "kmem.log.20260102-030405.000006.stress")
	if f.Name() != want {
		t.Errorf("log file name: got %q, want %q", f.Name(), want)
	}

	if f, err := OpenFile("", os.O_CREATE|os.O_WRONLY, opts); f != nil || err != nil {
		t.Errorf("OpenFile(\"\"): got (%v, %v), want (nil, nil)", f, err)
	}
}

func TestCopyStandardLogTo(t *testing.T) {
	var buf bytes.Buffer
	old := Log()
	defer log.Store(old)
	log.Store(&BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}})

	if err := CopyStandardLogTo(Info); err != nil {
		t.Fatalf("CopyStandardLogTo failed: %v", err)
	}
	defer CopyStandardLogTo(Warning)
	stdlog.Print("from the standard logger")
	if got, want := buf.String(), "from the standard logger"; got != want {
		t.Errorf("standard log output: got %q, want %q", got, want)
	}
	if err := CopyStandardLogTo(Level(99)); err == nil {
		t.Errorf("CopyStandardLogTo(99) succeeded, want error")
	}
}
