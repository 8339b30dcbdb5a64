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

package prometheus

import (
	"bytes"
	"testing"
	"time"

	"github.com/prometheus/common/expfmt"
)

func TestWriteParses(t *testing.T) {
	frees := &Metric{Name: "pgalloc_frees", Type: TypeCounter, Help: "Frames freed.\nIncludes initial frees."}
	recycled := &Metric{Name: "bcache_recycled", Type: TypeCounter, Help: "Buffers recycled."}
	s := &Snapshot{When: time.Unix(1700000000, 0)}
	s.Add(
		NewData(frees, 32),
		LabeledData(recycled, map[string]string{"where": "local"}, 3),
		LabeledData(recycled, map[string]string{"where": "remote"}, 1),
	)

	var buf bytes.Buffer
	n, err := Write(&buf, "kmem_", s)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != buf.Len() {
		t.Errorf("Write returned %d bytes, buffer holds %d", n, buf.Len())
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("output does not parse: %v\n%s", err, buf.String())
	}
	f, ok := families["kmem_pgalloc_frees"]
	if !ok {
		t.Fatalf("kmem_pgalloc_frees missing from %v", families)
	}
	if got := f.GetMetric()[0].GetCounter().GetValue(); got != 32 {
		t.Errorf("kmem_pgalloc_frees: got %v, want 32", got)
	}
	if got, want := f.GetHelp(), "Frames freed.\nIncludes initial frees."; got != want {
		t.Errorf("help: got %q, want %q", got, want)
	}
	r, ok := families["kmem_bcache_recycled"]
	if !ok {
		t.Fatalf("kmem_bcache_recycled missing from %v", families)
	}
	if got := len(r.GetMetric()); got != 2 {
		t.Fatalf("kmem_bcache_recycled: got %d series, want 2", got)
	}
	for _, m := range r.GetMetric() {
		if got := m.GetTimestampMs(); got != 1700000000000 {
			t.Errorf("timestamp: got %d, want 1700000000000", got)
		}
	}
}

func TestTypeString(t *testing.T) {
	for _, test := range []struct {
		typ  Type
		want string
	}{
		{TypeUntyped, "untyped"},
		{TypeGauge, "gauge"},
		{TypeCounter, "counter"},
	} {
		if got := test.typ.String(); got != test.want {
			t.Errorf("%d.String(): got %q, want %q", int(test.typ), got, test.want)
		}
	}
}
