package sqlcapture

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// captureMetrics counts the output of a single sync. The registry is private to the
// sync and is summarized in the logs when the sync ends.
type captureMetrics struct {
	registry    *prometheus.Registry
	records     *prometheus.CounterVec
	checkpoints *prometheus.CounterVec
	lsn         prometheus.Gauge
}

func newCaptureMetrics() *captureMetrics {
	var m = &captureMetrics{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgextract_records_total",
			Help: "Number of records emitted, by stream and strategy.",
		}, []string{"stream", "strategy"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgextract_checkpoints_total",
			Help: "Number of state checkpoints emitted, by stream and strategy.",
		}, []string{"stream", "strategy"}),
		lsn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgextract_cdc_lsn",
			Help: "Most recent replication position delivered.",
		}),
	}
	m.registry.MustRegister(m.records, m.checkpoints, m.lsn)
	return m
}

func (m *captureMetrics) record(stream StreamID, phase Phase) {
	m.records.WithLabelValues(stream.String(), phase.strategy()).Inc()
}

func (m *captureMetrics) checkpoint(stream StreamID, phase Phase) {
	m.checkpoints.WithLabelValues(stream.String(), phase.strategy()).Inc()
}

// logSummary logs the value of every metric.
func (m *captureMetrics) logSummary() {
	var families, err = m.registry.Gather()
	if err != nil {
		log.WithField("err", err).Warn("error gathering sync metrics")
		return
	}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			var fields = log.Fields{"metric": family.GetName()}
			for _, label := range metric.GetLabel() {
				fields[label.GetName()] = label.GetValue()
			}
			if counter := metric.GetCounter(); counter != nil {
				fields["value"] = counter.GetValue()
			} else if gauge := metric.GetGauge(); gauge != nil {
				fields["value"] = gauge.GetValue()
			}
			log.WithFields(fields).Info("sync summary")
		}
	}
}

func (p Phase) strategy() string {
	var s, _, _ = strings.Cut(strings.ToLower(string(p)), "_")
	return s
}
