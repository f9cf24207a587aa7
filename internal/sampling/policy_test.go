package sampling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testConfig() Config {
	return Config{
		LowConfidence:      0.3,
		HighConfidence:     0.7,
		AutoSampleInterval: 10 * time.Minute,
	}
}

func TestUncertainConfidenceAdmits(t *testing.T) {
	t.Parallel()

	d := Evaluate([]float64{0.2, 0.45, 0.9}, testConfig(), time.Minute)
	assert.True(t, d.Admit)
	assert.Contains(t, d.Reason, "0.45")
	assert.Contains(t, d.Reason, "[0.30, 0.70)")
}

func TestBelowLowNeverAdmitsAlone(t *testing.T) {
	t.Parallel()

	d := Evaluate([]float64{0.1}, testConfig(), time.Minute)
	assert.False(t, d.Admit)
	assert.Empty(t, d.Reason)
}

func TestBandIsHalfOpen(t *testing.T) {
	t.Parallel()

	// exactly low is inside the band
	d := Evaluate([]float64{0.3}, testConfig(), time.Minute)
	assert.True(t, d.Admit)

	// exactly high is outside
	d = Evaluate([]float64{0.7}, testConfig(), time.Minute)
	assert.False(t, d.Admit)
}

func TestConfidentDetectionsDoNotAdmit(t *testing.T) {
	t.Parallel()

	d := Evaluate([]float64{0.95, 0.88}, testConfig(), time.Minute)
	assert.False(t, d.Admit)
}

func TestAutoSampleClock(t *testing.T) {
	t.Parallel()

	// No detections at all, but the auto-sample interval elapsed.
	d := Evaluate(nil, testConfig(), 11*time.Minute)
	assert.True(t, d.Admit)
	assert.Contains(t, d.Reason, "auto sample")

	// Interval not elapsed and nothing uncertain: no admission.
	d = Evaluate(nil, testConfig(), 9*time.Minute)
	assert.False(t, d.Admit)
}

func TestMultipleReasonsSingleDecision(t *testing.T) {
	t.Parallel()

	d := Evaluate([]float64{0.5}, testConfig(), time.Hour)
	assert.True(t, d.Admit)
	assert.Contains(t, d.Reason, "uncertain confidence 0.50")
	assert.Contains(t, d.Reason, "auto sample")
	assert.Contains(t, d.Reason, "; ")
}

func TestZeroAutoSampleIntervalDisablesClock(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.AutoSampleInterval = 0
	d := Evaluate(nil, cfg, 24*time.Hour)
	assert.False(t, d.Admit)
}
