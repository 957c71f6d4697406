package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CoreStats provides the collector access to live front-process state.
type CoreStats interface {
	RegisteredTasks() int
	StagedFiles() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	stats CoreStats

	registeredTasks *prometheus.Desc
	stagedFiles     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
func NewCollector(stats CoreStats) *Collector {
	return &Collector{
		stats: stats,
		registeredTasks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "registered_tasks"),
			"Tasks currently held in the result registry.",
			nil, nil,
		),
		stagedFiles: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "staged_files"),
			"Uploaded audio files staged on disk awaiting completion.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registeredTasks
	ch <- c.stagedFiles
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.registeredTasks, prometheus.GaugeValue, float64(c.stats.RegisteredTasks()))
	ch <- prometheus.MustNewConstMetric(c.stagedFiles, prometheus.GaugeValue, float64(c.stats.StagedFiles()))
}
