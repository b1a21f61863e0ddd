/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the run counters every stage increments. The stages
// are one-shot batch processes, so instead of serving a scrape endpoint the
// counters are optionally dumped to METRICS_FILE in the node-exporter
// textfile-collector format at exit.
package metrics

import (
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const namespace = "ontime"

var (
	RawLines = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "raw_lines_total",
		Help:      "Raw record lines read by the deduplicator.",
	})
	RawRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "raw_records_total",
		Help:      "Raw records published by the builder.",
	})
	InvalidRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invalid_records_total",
		Help:      "Records routed to invalid.jsonl, by reason.",
	}, []string{"reason"})
	PolishedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polished_records_total",
		Help:      "Polished records emitted by the deduplicator.",
	})
	ActiveRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "active_records_total",
		Help:      "Active records emitted by the activator.",
	})
	ScaleActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scale_actions_total",
		Help:      "Scale operations applied by the reconciler, by direction.",
	}, []string{"direction"})
	WorkloadSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workload_skips_total",
		Help:      "Workloads skipped by the reconciler, by cause.",
	}, []string{"cause"})
	LockContention = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_contention_total",
		Help:      "Cooperative lock acquisitions that timed out, by lock.",
	}, []string{"lock"})
	RetentionDeletes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_deletes_total",
		Help:      "Raw store files removed by the retention sweep.",
	})
)

func init() {
	crmetrics.Registry.MustRegister(
		RawLines,
		RawRecords,
		InvalidRecords,
		PolishedRecords,
		ActiveRecords,
		ScaleActions,
		WorkloadSkips,
		LockContention,
		RetentionDeletes,
	)
}

// Dump writes every registered metric to path in the Prometheus text format.
// An empty path is a no-op so call sites do not need to guard.
func Dump(path string) error {
	if path == "" {
		return nil
	}
	families, err := crmetrics.Registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics, %w", err)
	}
	tmp, err := os.CreateTemp("", "ontime-metrics-*")
	if err != nil {
		return fmt.Errorf("creating metrics temp file, %w", err)
	}
	defer os.Remove(tmp.Name())
	encoder := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			tmp.Close()
			return fmt.Errorf("encoding metric family %q, %w", family.GetName(), err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing metrics temp file, %w", err)
	}
	if err := atomic.ReplaceFile(tmp.Name(), path); err != nil {
		return fmt.Errorf("publishing metrics file, %w", err)
	}
	return nil
}
