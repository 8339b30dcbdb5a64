// Copyright 2022 The gVisor Authors.
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

// Package prometheus contains Prometheus-compliant metric data structures and utilities.
// It can export data in Prometheus data format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

// String returns the name of the type as used in "# TYPE" comments.
func (t Type) String() string {
	switch t {
	case TypeGauge:
		return "gauge"
	case TypeCounter:
		return "counter"
	default:
		return "untyped"
	}
}

// Metric is a Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name.
	Name string `json:"name"`

	// Type is the type of the metric.
	Type Type `json:"type"`

	// Help is an optional helpful string explaining what the metric is about.
	Help string `json:"help"`
}

// writeHeaderTo writes the metric comment header to the given writer.
func (m *Metric) writeHeaderTo(w io.Writer, prefix string) error {
	if m.Help != "" {
		// Prometheus metric description escape rules: Only backslashes and line breaks need escaping.
		help := strings.ReplaceAll(strings.ReplaceAll(m.Help, "\\", "\\\\"), "\n", "\\n")
		if _, err := fmt.Fprintf(w, "# HELP %s%s %s\n", prefix, m.Name, help); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "# TYPE %s%s %s\n", prefix, m.Name, m.Type)
	return err
}

// Data is an observation of the value of a single metric at a certain point
// in time.
type Data struct {
	// Metric is the metric for which the value is being reported.
	Metric *Metric `json:"metric"`

	// Labels is a key-value pair representing the labels set on this metric.
	// This may be merged with other labels during export.
	Labels map[string]string `json:"labels,omitempty"`

	// Value is the value of the metric.
	Value uint64 `json:"value"`
}

// NewData returns a new Data with the given value.
func NewData(metric *Metric, val uint64) *Data {
	return &Data{Metric: metric, Value: val}
}

// LabeledData returns a new Data with the given value and labels.
func LabeledData(metric *Metric, labels map[string]string, val uint64) *Data {
	return &Data{Metric: metric, Labels: labels, Value: val}
}

// orderedLabels returns the list of 'label_key="label_value"' in sorted order.
func orderedLabels(labels map[string]string) []string {
	ordered := make([]string, 0, len(labels))
	for k, v := range labels {
		ordered = append(ordered, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(ordered)
	return ordered
}

// writeTo writes the Data to the given writer in Prometheus format.
func (d *Data) writeTo(w io.Writer, prefix string, when time.Time) error {
	if _, err := io.WriteString(w, prefix+d.Metric.Name); err != nil {
		return err
	}
	if len(d.Labels) != 0 {
		if _, err := fmt.Fprintf(w, "{%s}", strings.Join(orderedLabels(d.Labels), ",")); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, " %d %d\n", d.Value, when.UnixMilli())
	return err
}

// Snapshot is a snapshot of the values of all the metrics at a certain point in time.
type Snapshot struct {
	// When is the timestamp at which the snapshot was taken.
	// Note that Prometheus ultimately encodes timestamps as millisecond-precision int64s from epoch.
	When time.Time `json:"when,omitempty"`

	// Data is the whole snapshot data.
	// Each Data must be a unique combination of (Metric, Labels) within a Snapshot.
	Data []*Data `json:"data,omitempty"`
}

// NewSnapshot returns a new Snapshot at the current time.
func NewSnapshot() *Snapshot {
	return &Snapshot{When: time.Now()}
}

// Add data point(s) to the snapshot.
// Returns itself for chainability.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// countingWriter implements io.Writer, and counts the number of bytes
// written to it.
type countingWriter struct {
	w       *bufio.Writer
	written int
}

// Write implements io.Writer.Write.
func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.w.Write(b)
	w.written += n
	return n, err
}

// Write writes the snapshot to w in Prometheus text format. Every metric name
// is prefixed with prefix. Data points of the same metric are grouped under a
// single header, in the order metrics first appear in the snapshot. Returns
// the number of bytes written.
func Write(w io.Writer, prefix string, s *Snapshot) (int, error) {
	cw := &countingWriter{w: bufio.NewWriter(w)}
	var order []string
	byName := make(map[string][]*Data)
	for _, d := range s.Data {
		if _, ok := byName[d.Metric.Name]; !ok {
			order = append(order, d.Metric.Name)
		}
		byName[d.Metric.Name] = append(byName[d.Metric.Name], d)
	}
	for _, name := range order {
		data := byName[name]
		if err := data[0].Metric.writeHeaderTo(cw, prefix); err != nil {
			return cw.written, err
		}
		for _, d := range data {
			if err := d.writeTo(cw, prefix, s.When); err != nil {
				return cw.written, err
			}
		}
	}
	if err := cw.w.Flush(); err != nil {
		return cw.written, err
	}
	return cw.written, nil
}
