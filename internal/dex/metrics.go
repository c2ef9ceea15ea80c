package dex

import (
	"math/big"
	"sync"
	"time"

	"github.com/h10086733/xlayer-402/internal/errs"
)

// Metrics keeps running swap statistics. Averages use the incremental
// formula avg += (x - avg) / n so no per-swap history is retained.
type Metrics struct {
	mu sync.Mutex

	total     int64
	succeeded int64
	failed    int64

	volume     *big.Int // cumulative input amount, smallest unit
	avgGas     float64
	avgLatency time.Duration

	errorCounts map[errs.Kind]int64
}

// NewMetrics creates an empty metrics accumulator.
func NewMetrics() *Metrics {
	return &Metrics{
		volume:      new(big.Int),
		errorCounts: make(map[errs.Kind]int64),
	}
}

// RecordSuccess folds one completed swap into the running stats.
func (m *Metrics) RecordSuccess(amount *big.Int, gasUsed uint64, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.succeeded++
	if amount != nil {
		m.volume.Add(m.volume, amount)
	}
	m.avgGas += (float64(gasUsed) - m.avgGas) / float64(m.succeeded)
	m.avgLatency += (latency - m.avgLatency) / time.Duration(m.succeeded)
}

// RecordFailure counts one failed swap under its error kind.
func (m *Metrics) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.failed++
	m.errorCounts[errs.KindOf(err)]++
}

// Snapshot is a point-in-time copy of the running stats.
type Snapshot struct {
	Total       int64               `json:"total"`
	Succeeded   int64               `json:"succeeded"`
	Failed      int64               `json:"failed"`
	Volume      string              `json:"volume"`
	AvgGas      float64             `json:"avg_gas"`
	AvgLatency  time.Duration       `json:"avg_latency"`
	ErrorCounts map[errs.Kind]int64 `json:"error_counts"`
}

// Snapshot returns a copy of the current stats.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[errs.Kind]int64, len(m.errorCounts))
	for k, v := range m.errorCounts {
		counts[k] = v
	}
	return Snapshot{
		Total:       m.total,
		Succeeded:   m.succeeded,
		Failed:      m.failed,
		Volume:      m.volume.String(),
		AvgGas:      m.avgGas,
		AvgLatency:  m.avgLatency,
		ErrorCounts: counts,
	}
}
