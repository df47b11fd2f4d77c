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

package metric

import (
	"fmt"
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// PrometheusName converts a metric name such as "/memory/heap/allocations"
// into a Prometheus metric name with the given prefix.
func PrometheusName(prefix, name string) string {
	name = strings.Trim(name, "/")
	name = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
	return prefix + name
}

// family converts a registered metric into a Prometheus metric family.
func (r *registered) family(prefix string) *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(PrometheusName(prefix, r.name)),
		Help: proto.String(r.description),
	}
	if r.cumulative {
		mf.Type = dto.MetricType_COUNTER.Enum()
	} else {
		mf.Type = dto.MetricType_GAUGE.Enum()
	}
	for _, key := range r.mapper.keys {
		m := &dto.Metric{}
		for i, f := range r.mapper.fields {
			m.Label = append(m.Label, &dto.LabelPair{
				Name:  proto.String(f.name),
				Value: proto.String(key[i]),
			})
		}
		v := float64(r.value(key...))
		if r.cumulative {
			m.Counter = &dto.Counter{Value: proto.Float64(v)}
		} else {
			m.Gauge = &dto.Gauge{Value: proto.Float64(v)}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format. Metric names are prefixed with prefix.
func WritePrometheus(w io.Writer, prefix string) error {
	for _, r := range allMetrics.sorted() {
		if _, err := expfmt.MetricFamilyToText(w, r.family(prefix)); err != nil {
			return fmt.Errorf("writing metric %q: %w", r.name, err)
		}
	}
	return nil
}
