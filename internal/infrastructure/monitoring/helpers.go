package monitoring

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/common/expfmt"
)

// WriteText writes all registered metrics in the Prometheus text format
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Timer measures operation duration
type Timer struct {
	start   time.Time
	metrics *Metrics
	op      string
}

// NewTimer creates a new timer. A nil metrics yields a timer whose Stop
// does nothing.
func NewTimer(metrics *Metrics, op string) *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: metrics,
		op:      op,
	}
}

// Stop stops the timer and records the outcome
func (t *Timer) Stop(err error) {
	if t.metrics == nil {
		return
	}
	t.metrics.RecordOperation(t.op, err, time.Since(t.start))
}
