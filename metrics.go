package idmlock

import (
	"fmt"
	"time"

	"go-idmlock/idm"

	"github.com/VictoriaMetrics/metrics"
)

// engineMetrics names the counters and histograms an engine exports.
type engineMetrics struct {
	set *metrics.Set
}

func newEngineMetrics(set *metrics.Set, heldLocks func() float64) *engineMetrics {
	set.GetOrCreateGauge("idmlock_held_locks", heldLocks)
	return &engineMetrics{set: set}
}

func (m *engineMetrics) driveOutcome(verb idm.Verb, status Status) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`idmlock_drive_commands_total{verb=%q,status=%q}`, verb, status)).Inc()
}

func (m *engineMetrics) quorum(verb idm.Verb, err error, started time.Time) {
	var result = "success"
	if err != nil {
		result = "failure"
	}
	m.set.GetOrCreateCounter(fmt.Sprintf(`idmlock_quorum_operations_total{verb=%q,result=%q}`, verb, result)).Inc()
	m.set.GetOrCreateHistogram(fmt.Sprintf(`idmlock_quorum_duration_seconds{verb=%q}`, verb)).UpdateDuration(started)
}

func (m *engineMetrics) renewal(err error) {
	if err != nil {
		m.set.GetOrCreateCounter(`idmlock_renewals_total{result="failure"}`).Inc()
		return
	}
	m.set.GetOrCreateCounter(`idmlock_renewals_total{result="success"}`).Inc()
}

func (m *engineMetrics) expired() {
	m.set.GetOrCreateCounter("idmlock_expired_locks_total").Inc()
}
