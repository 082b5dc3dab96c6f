package ledger

import (
	"context"
	"time"

	"github.com/router-for-me/RelayGate/internal/metrics"
	log "github.com/sirupsen/logrus"
)

const defaultRecordTimeout = 5 * time.Second

// Recorder appends entries on a best-effort basis. Write failures are logged and never reach the caller.
type Recorder struct {
	store   Store
	metrics *metrics.Collector
	timeout time.Duration
}

// NewRecorder wraps store.
func NewRecorder(store Store, m *metrics.Collector) *Recorder {
	return &Recorder{store: store, metrics: m, timeout: defaultRecordTimeout}
}

// Record appends entry using a detached context so a cancelled request still gets its row.
func (r *Recorder) Record(entry Entry) {
	if r == nil || r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.Append(ctx, entry); err != nil {
		r.metrics.LedgerFailure()
		log.WithError(err).WithFields(log.Fields{
			"upstream": entry.UpstreamID,
			"user_id":  entry.UserID,
			"status":   entry.Status,
		}).Warn("ledger: dropped request log entry")
	}
}
