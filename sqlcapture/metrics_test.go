package sqlcapture

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCaptureMetrics(t *testing.T) {
	var m = newCaptureMetrics()
	m.record(testStream, PhaseCtid)
	m.record(testStream, PhaseCtid)
	m.record(testStream, PhaseCDC)
	m.checkpoint(testStream, PhaseStandard)
	m.lsn.Set(42)

	var families, err = m.registry.Gather()
	require.NoError(t, err)

	var values = make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			var key = family.GetName()
			for _, label := range metric.GetLabel() {
				key += "," + label.GetName() + "=" + label.GetValue()
			}
			if counter := metric.GetCounter(); counter != nil {
				values[key] = counter.GetValue()
			} else {
				values[key] = metric.GetGauge().GetValue()
			}
		}
	}
	require.Equal(t, map[string]float64{
		"pgextract_records_total,strategy=ctid,stream=public.orders":        2,
		"pgextract_records_total,strategy=cdc,stream=public.orders":         1,
		"pgextract_checkpoints_total,strategy=standard,stream=public.orders": 1,
		"pgextract_cdc_lsn": 42,
	}, values)
	m.logSummary()
}

func TestPhaseStrategy(t *testing.T) {
	require.Equal(t, "ctid", PhaseCtid.strategy())
	require.Equal(t, "standard", PhaseStandard.strategy())
	require.Equal(t, "xmin", PhaseXmin.strategy())
	require.Equal(t, "cdc", PhaseCDC.strategy())
	require.Equal(t, "done", PhaseDone.strategy())
}
