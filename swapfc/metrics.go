package swapfc

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"systemd-swap/constant"
	"systemd-swap/driver"
)

const (
	namespace = "systemd_swap"
	subsystem = "swapfc"
)

// Metrics 控制器状态，每轮结束后写入 node_exporter 的 textfile 目录
type Metrics struct {
	registry *prometheus.Registry
	file     string

	chunks        prometheus.Gauge
	interval      prometheus.Gauge
	freeRAM       prometheus.Gauge
	freeSwap      prometheus.Gauge
	allocations   prometheus.Counter
	deallocations prometheus.Counter
	enospc        prometheus.Counter
}

// NewMetrics file 为空时只在内存里维护指标
func NewMetrics(file string) *Metrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}
	m := &Metrics{
		registry:      prometheus.NewRegistry(),
		file:          file,
		chunks:        gauge("allocated_chunks", "Number of swap chunks currently allocated."),
		interval:      gauge("polling_interval_seconds", "Current polling interval."),
		freeRAM:       gauge("free_ram_percent", "Free RAM percentage seen on the last tick."),
		freeSwap:      gauge("free_swap_percent", "Free swap percentage seen on the last tick."),
		allocations:   counter("allocations_total", "Swap chunks allocated."),
		deallocations: counter("deallocations_total", "Swap chunks released."),
		enospc:        counter("enospc_total", "Allocations skipped for lack of disk space."),
	}
	m.registry.MustRegister(m.chunks, m.interval, m.freeRAM, m.freeSwap,
		m.allocations, m.deallocations, m.enospc)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observe(c *Controller) {
	m.chunks.Set(float64(c.allocated))
	m.interval.Set(float64(c.interval))
}

func (m *Metrics) observeMem(mem driver.MemStats) {
	m.freeRAM.Set(float64(mem.FreeRAM))
	m.freeSwap.Set(float64(mem.FreeSwap))
}

// Write 原子地写出 textfile
func (m *Metrics) Write() error {
	if m.file == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.file), constant.Perm0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(m.file))
	}
	return prometheus.WriteToTextfile(m.file, m.registry)
}

// Metrics 供 status 之类的调用方读取
func (c *Controller) Metrics() *Metrics { return c.metrics }
