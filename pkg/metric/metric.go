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

// Package metric provides primitives for collecting metrics about the memory
// subsystem.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInitializationDone indicates that the caller tried to create a
	// new metric after initialization.
	ErrInitializationDone = errors.New("metric cannot be created after initialization is complete")

	// ErrFieldValueContainsIllegalChar indicates that the value of a metric
	// field had an invalid character in it.
	ErrFieldValueContainsIllegalChar = errors.New("metric field value contains illegal character")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")
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
func NewField(name string, allowedValues []string) Field {
	return Field{name: name, allowedValues: allowedValues}
}

// fieldMapper maps a combination of field values to a dense index.
type fieldMapper struct {
	fields []Field
	index  map[string]int
	keys   [][]string
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	m := fieldMapper{fields: fields, index: make(map[string]int)}
	combos := [][]string{nil}
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		var next [][]string
		for _, prefix := range combos {
			for _, v := range f.allowedValues {
				if strings.ContainsAny(v, ",\"\n") {
					return fieldMapper{}, ErrFieldValueContainsIllegalChar
				}
				combo := append(append([]string(nil), prefix...), v)
				next = append(next, combo)
			}
		}
		combos = next
	}
	for i, c := range combos {
		m.index[strings.Join(c, ",")] = i
	}
	m.keys = combos
	return m, nil
}

// lookup returns the index of the given field values. It panics if the
// values do not name a valid combination.
func (m fieldMapper) lookup(fieldValues ...string) int {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("got %d field values, metric has %d fields", len(fieldValues), len(m.fields)))
	}
	if len(fieldValues) == 0 {
		return 0
	}
	i, ok := m.index[strings.Join(fieldValues, ",")]
	if !ok {
		panic(fmt.Sprintf("invalid field values %v", fieldValues))
	}
	return i
}

func (m fieldMapper) numKeys() int {
	return len(m.keys)
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	// fields is the map of field-value combination index keys to counters.
	fields []atomic.Uint64

	// fieldMapper is used to generate index keys for the fields array (above)
	// based on field value combinations, and vice-versa.
	fieldMapper fieldMapper
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// registered is the metadata of one registered metric.
type registered struct {
	name        string
	description string
	cumulative  bool
	mapper      fieldMapper
	value       func(fieldValues ...string) uint64
}

// metricSet holds registered metrics.
type metricSet struct {
	mu          sync.Mutex
	initialized bool
	metrics     map[string]*registered
}

func makeMetricSet() *metricSet {
	return &metricSet{metrics: make(map[string]*registered)}
}

// allMetrics are the registered metrics.
var allMetrics = makeMetricSet()

// Initialize freezes the set of registered metrics. Metrics registered
// afterwards fail with ErrInitializationDone.
func Initialize() {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	allMetrics.initialized = true
}

func (s *metricSet) register(r *registered) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return ErrInitializationDone
	}
	if _, ok := s.metrics[r.name]; ok {
		return ErrNameInUse
	}
	s.metrics[r.name] = r
	return nil
}

// RegisterCustomUint64Metric registers a metric with the given name whose
// value is produced by the value function at export time. cumulative metrics
// are exported as counters, others as gauges.
func RegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) error {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return err
	}
	return allMetrics.register(&registered{
		name:        name,
		description: description,
		cumulative:  cumulative,
		mapper:      f,
		value:       value,
	})
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
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		fieldMapper: f,
		fields:      make([]atomic.Uint64, f.numKeys()),
	}
	return m, RegisterCustomUint64Metric(name, true /* cumulative */, description, m.Value, fields...)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Sample is the value of one metric for one combination of field values.
type Sample struct {
	Name   string
	Fields map[string]string
	Value  uint64
}

// Snapshot returns the current value of every registered metric, sorted by
// name.
func Snapshot() []Sample {
	var out []Sample
	for _, r := range allMetrics.sorted() {
		for _, key := range r.mapper.keys {
			s := Sample{Name: r.name, Value: r.value(key...)}
			if len(key) > 0 {
				s.Fields = make(map[string]string, len(key))
				for i, f := range r.mapper.fields {
					s.Fields[f.name] = key[i]
				}
			}
			out = append(out, s)
		}
	}
	return out
}

func (s *metricSet) sorted() []*registered {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := make([]*registered, 0, len(s.metrics))
	for _, r := range s.metrics {
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].name < rs[j].name })
	return rs
}
