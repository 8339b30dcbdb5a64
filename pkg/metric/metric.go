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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"kcore.dev/kcore/pkg/atomicbitops"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/prometheus"
	"kcore.dev/kcore/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInitializationDone indicates that the caller tried to create a
	// new metric after initialization.
	ErrInitializationDone = errors.New("metric cannot be created after initialization is complete")

	// ErrInvalidName indicates that a metric name is not of the form
	// "/component/name".
	ErrInvalidName = errors.New("metric name must start with '/' and contain only [a-z0-9_/]")

	// ErrFieldValueContainsIllegalChar indicates that the value of a metric
	// field had an invalid character in it.
	ErrFieldValueContainsIllegalChar = errors.New("metric field value contains illegal character")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFields indicates that more than one field was given.
	ErrTooManyFields = errors.New("metric may have at most one field")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

func (f Field) validate() error {
	if len(f.allowedValues) == 0 {
		return ErrFieldHasNoAllowedValues
	}
	for _, v := range f.allowedValues {
		if v == "" || strings.ContainsAny(v, "\"\\\n{},=") {
			return ErrFieldValueContainsIllegalChar
		}
	}
	return nil
}

// index returns the position of value among the allowed values. It panics on
// a value that was not declared, since that is a programming error.
func (f Field) index(value string) int {
	for i, v := range f.allowedValues {
		if v == value {
			return i
		}
	}
	panic(fmt.Sprintf("disallowed value %q for metric field %q", value, f.name))
}

// metadata describes a registered metric. It is immutable.
type metadata struct {
	name        string
	description string
	cumulative  bool
	field       *Field
}

// customUint64Metric is a registered metric whose value is computed by a
// function on demand.
type customUint64Metric struct {
	metadata metadata

	// value returns the current value of the metric for the given set of
	// fields. It takes a variadic number of field values as argument.
	value func(fieldValues ...string) uint64
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	// field is the optional field breaking down this metric.
	field *Field

	// values holds one counter per allowed field value, or a single counter
	// if there is no field.
	values []atomicbitops.Uint64
}

func (m *Uint64Metric) key(fieldValues []string) int {
	switch {
	case m.field == nil && len(fieldValues) == 0:
		return 0
	case m.field != nil && len(fieldValues) == 1:
		return m.field.index(fieldValues[0])
	default:
		panic("invalid field lookup depth")
	}
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.key(fieldValues)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.values[m.key(fieldValues)].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.key(fieldValues)].Add(v)
}

// registry holds all registered metrics.
type registry struct {
	mu sync.Mutex

	// initialized indicates that all metrics are registered. metrics is
	// immutable once initialized is true.
	initialized bool

	metrics map[string]customUint64Metric
}

var allMetrics = registry{metrics: make(map[string]customUint64Metric)}

func validName(name string) bool {
	if len(name) < 2 || name[0] != '/' {
		return false
	}
	for _, c := range name[1:] {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '/') {
			return false
		}
	}
	return true
}

// RegisterCustomUint64Metric registers a metric with the given name whose
// value is computed by value each time a snapshot is taken.
//
// Preconditions:
//   - name must be globally unique.
//   - Initialize has not been called.
//   - value is expected to accept exactly len(fields) arguments.
func RegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) error {
	if !validName(name) {
		return ErrInvalidName
	}
	if len(fields) > 1 {
		return ErrTooManyFields
	}
	md := metadata{
		name:        name,
		description: description,
		cumulative:  cumulative,
	}
	if len(fields) == 1 {
		if err := fields[0].validate(); err != nil {
			return err
		}
		md.field = &fields[0]
	}

	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if allMetrics.initialized {
		return ErrInitializationDone
	}
	if _, ok := allMetrics.metrics[name]; ok {
		return ErrNameInUse
	}
	allMetrics.metrics[name] = customUint64Metric{metadata: md, value: value}
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) {
	if err := RegisterCustomUint64Metric(name, cumulative, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	m := &Uint64Metric{values: make([]atomicbitops.Uint64, 1)}
	if len(fields) == 1 {
		m.field = &fields[0]
		m.values = make([]atomicbitops.Uint64, len(fields[0].allowedValues))
	}
	if err := RegisterCustomUint64Metric(name, true /* cumulative */, description, m.Value, fields...); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Initialize marks registration as complete. No metric can be registered
// afterwards.
func Initialize() error {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if allMetrics.initialized {
		return errors.New("metric.Initialize called after metric.Initialize")
	}
	allMetrics.initialized = true
	log.Debugf("metric: %d metrics registered", len(allMetrics.metrics))
	return nil
}

// prometheusName converts "/pgalloc/allocations" to "pgalloc_allocations".
func prometheusName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

// GetSnapshot returns the current value of every registered metric, sorted by
// name. Metrics with a field produce one data point per allowed value,
// labeled with the field name.
func GetSnapshot() *prometheus.Snapshot {
	allMetrics.mu.Lock()
	metrics := make([]customUint64Metric, 0, len(allMetrics.metrics))
	for _, m := range allMetrics.metrics {
		metrics = append(metrics, m)
	}
	allMetrics.mu.Unlock()
	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].metadata.name < metrics[j].metadata.name
	})

	s := prometheus.NewSnapshot()
	for _, m := range metrics {
		pm := &prometheus.Metric{
			Name: prometheusName(m.metadata.name),
			Type: prometheus.TypeGauge,
			Help: m.metadata.description,
		}
		if m.metadata.cumulative {
			pm.Type = prometheus.TypeCounter
		}
		if m.metadata.field == nil {
			s.Add(prometheus.NewData(pm, m.value()))
			continue
		}
		for _, v := range m.metadata.field.allowedValues {
			labels := map[string]string{m.metadata.field.name: v}
			s.Add(prometheus.LabeledData(pm, labels, m.value(v)))
		}
	}
	return s
}
