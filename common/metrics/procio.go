package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
)

var (
	processReadDesc = prometheus.NewDesc(
		MetricProcessReadBytes,
		"Data read by a supervised process as reported by /proc/<PID>/io (bytes).",
		[]string{"process"}, nil,
	)
	processWriteDesc = prometheus.NewDesc(
		MetricProcessWriteByte,
		"Data written by a supervised process as reported by /proc/<PID>/io (bytes).",
		[]string{"process"}, nil,
	)
)

// ProcessIOCollector reports the I/O counters of tracked processes. Processes
// that have exited, or whose counters cannot be read, are skipped.
type ProcessIOCollector struct {
	sync.Mutex

	pids map[string]int
}

// Track starts reporting the I/O counters of pid under the given name.
func (c *ProcessIOCollector) Track(name string, pid int) {
	c.Lock()
	defer c.Unlock()
	c.pids[name] = pid
}

// Untrack stops reporting the named process.
func (c *ProcessIOCollector) Untrack(name string) {
	c.Lock()
	defer c.Unlock()
	delete(c.pids, name)
}

// Describe implements prometheus.Collector.
func (c *ProcessIOCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- processReadDesc
	ch <- processWriteDesc
}

// Collect implements prometheus.Collector.
func (c *ProcessIOCollector) Collect(ch chan<- prometheus.Metric) {
	c.Lock()
	pids := make(map[string]int, len(c.pids))
	for k, v := range c.pids {
		pids[k] = v
	}
	c.Unlock()

	for name, pid := range pids {
		proc, err := procfs.NewProc(pid)
		if err != nil {
			continue
		}
		procIO, err := proc.IO()
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(processReadDesc, prometheus.CounterValue, float64(procIO.ReadBytes), name)
		ch <- prometheus.MustNewConstMetric(processWriteDesc, prometheus.CounterValue, float64(procIO.WriteBytes), name)
	}
}

// NewProcessIOCollector creates an empty process I/O collector.
func NewProcessIOCollector() *ProcessIOCollector {
	return &ProcessIOCollector{
		pids: make(map[string]int),
	}
}
