package mdstream

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports cache and view counters to Prometheus.
type Collector struct {
	cache *ProcessorCache

	mu    sync.Mutex
	views []*View

	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	cacheEvictions *prometheus.Desc
	cacheEntries   *prometheus.Desc
	cacheCapacity  *prometheus.Desc
	frames         *prometheus.Desc
	renderErrors   *prometheus.Desc
	emissions      *prometheus.Desc
	secondary      *prometheus.Desc
}

// NewCollector returns a Collector for cache and views. Either may be omitted.
func NewCollector(namespace string, cache *ProcessorCache, views ...*View) *Collector {
	name := func(subsystem, metric string) string {
		return prometheus.BuildFQName(namespace, subsystem, metric)
	}
	return &Collector{
		cache:          cache,
		views:          append([]*View(nil), views...),
		cacheHits:      prometheus.NewDesc(name("cache", "hits_total"), "Processor cache lookups that found a pipeline.", nil, nil),
		cacheMisses:    prometheus.NewDesc(name("cache", "misses_total"), "Processor cache lookups that found nothing.", nil, nil),
		cacheEvictions: prometheus.NewDesc(name("cache", "evictions_total"), "Pipelines evicted as least recently used.", nil, nil),
		cacheEntries:   prometheus.NewDesc(name("cache", "entries"), "Pipelines currently cached.", nil, nil),
		cacheCapacity:  prometheus.NewDesc(name("cache", "capacity"), "Maximum number of cached pipelines.", nil, nil),
		frames:         prometheus.NewDesc(name("view", "frames_total"), "Frames rendered by views.", nil, nil),
		renderErrors:   prometheus.NewDesc(name("view", "render_errors_total"), "Frames whose pipeline failed.", nil, nil),
		emissions:      prometheus.NewDesc(name("view", "coalesced_emissions_total"), "Updates emitted by view coalescers.", nil, nil),
		secondary:      prometheus.NewDesc(name("view", "secondary_renders_total"), "Deferred secondary renders that ran.", nil, nil),
	}
}

// AddView includes v in the exported view totals.
func (c *Collector) AddView(v *View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views = append(c.views, v)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	if c.cache != nil {
		ch <- c.cacheHits
		ch <- c.cacheMisses
		ch <- c.cacheEvictions
		ch <- c.cacheEntries
		ch <- c.cacheCapacity
	}
	ch <- c.frames
	ch <- c.renderErrors
	ch <- c.emissions
	ch <- c.secondary
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.cache != nil {
		st := c.cache.Stats()
		ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(st.Hits))
		ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(st.Misses))
		ch <- prometheus.MustNewConstMetric(c.cacheEvictions, prometheus.CounterValue, float64(st.Evictions))
		ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(st.Entries))
		ch <- prometheus.MustNewConstMetric(c.cacheCapacity, prometheus.GaugeValue, float64(st.Capacity))
	}
	c.mu.Lock()
	views := append([]*View(nil), c.views...)
	c.mu.Unlock()
	var total ViewStats
	for _, v := range views {
		st := v.Stats()
		total.Frames += st.Frames
		total.RenderErrors += st.RenderErrors
		total.Emissions += st.Emissions
		total.Secondary += st.Secondary
	}
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(total.Frames))
	ch <- prometheus.MustNewConstMetric(c.renderErrors, prometheus.CounterValue, float64(total.RenderErrors))
	ch <- prometheus.MustNewConstMetric(c.emissions, prometheus.CounterValue, float64(total.Emissions))
	ch <- prometheus.MustNewConstMetric(c.secondary, prometheus.CounterValue, float64(total.Secondary))
}
