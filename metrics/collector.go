// Package metrics exports the counters of buffer cache and page allocator to prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/HayatoShiba/ppos/memory/kalloc"
	"github.com/HayatoShiba/ppos/storage/buffer"
)

const namespace = "ppos"

// BufferSource is implemented by buffer.Manager and buffer.StackManager
type BufferSource interface {
	Stats() buffer.Stats
}

// PageSource is implemented by kalloc.Allocator
type PageSource interface {
	Stats() kalloc.Stats
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(st *buffer.Stats) uint64
}

// Collector reads the stats on every scrape.
// nil source is skipped.
type Collector struct {
	buffers BufferSource
	pages   PageSource

	bufferDescs []counterDesc

	allocs      *prometheus.Desc
	frees       *prometheus.Desc
	steals      *prometheus.Desc
	stolenPages *prometheus.Desc
	outOfMemory *prometheus.Desc
	freePages   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector initializes collector. register it with prometheus.Registerer
func NewCollector(buffers BufferSource, pages PageSource) *Collector {
	bufferDesc := func(name, help string, value func(st *buffer.Stats) uint64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "buffer", name), help, nil, nil),
			value: value,
		}
	}
	kallocDesc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "kalloc", name), help, labels, nil)
	}

	return &Collector{
		buffers: buffers,
		pages:   pages,
		bufferDescs: []counterDesc{
			bufferDesc("hits_total", "Lookups which found the block cached",
				func(st *buffer.Stats) uint64 { return st.Hits }),
			bufferDesc("misses_total", "Lookups which bound a buffer to the block",
				func(st *buffer.Stats) uint64 { return st.Misses }),
			bufferDesc("relocations_total", "Blocks bound outside of their home bucket",
				func(st *buffer.Stats) uint64 { return st.Relocations }),
			bufferDesc("global_scans_total", "Lookups which locked every bucket",
				func(st *buffer.Stats) uint64 { return st.GlobalScans }),
			bufferDesc("disk_reads_total", "Blocks read from disk",
				func(st *buffer.Stats) uint64 { return st.DiskReads }),
			bufferDesc("disk_writes_total", "Blocks written to disk",
				func(st *buffer.Stats) uint64 { return st.DiskWrites }),
		},
		allocs:      kallocDesc("allocs_total", "Pages allocated"),
		frees:       kallocDesc("frees_total", "Pages freed"),
		steals:      kallocDesc("steals_total", "Allocations which took pages from another cpu"),
		stolenPages: kallocDesc("stolen_pages_total", "Pages moved between cpus by stealing"),
		outOfMemory: kallocDesc("out_of_memory_total", "Allocations which found no free page"),
		freePages:   kallocDesc("free_pages", "Free pages on each cpu list", "cpu"),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.bufferDescs {
		ch <- d.desc
	}
	ch <- c.allocs
	ch <- c.frees
	ch <- c.steals
	ch <- c.stolenPages
	ch <- c.outOfMemory
	ch <- c.freePages
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.buffers != nil {
		st := c.buffers.Stats()
		for _, d := range c.bufferDescs {
			ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(d.value(&st)))
		}
	}

	if c.pages != nil {
		st := c.pages.Stats()
		ch <- prometheus.MustNewConstMetric(c.allocs, prometheus.CounterValue, float64(st.Allocs))
		ch <- prometheus.MustNewConstMetric(c.frees, prometheus.CounterValue, float64(st.Frees))
		ch <- prometheus.MustNewConstMetric(c.steals, prometheus.CounterValue, float64(st.Steals))
		ch <- prometheus.MustNewConstMetric(c.stolenPages, prometheus.CounterValue, float64(st.StolenPages))
		ch <- prometheus.MustNewConstMetric(c.outOfMemory, prometheus.CounterValue, float64(st.OutOfMemory))
		for cpu, n := range st.FreePages {
			ch <- prometheus.MustNewConstMetric(c.freePages, prometheus.GaugeValue, float64(n), strconv.Itoa(cpu))
		}
	}
}
