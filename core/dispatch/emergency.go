package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilianp07/roadside/core/journal"
	"github.com/kilianp07/roadside/core/protocol"
)

// ReportEmergency tells dispatch the worker needs help. The report carries
// the active job, if any, and the last fresh position. It is retransmitted
// with the same command id until acknowledged and does not wait behind
// pending status transitions.
func (c *Coordinator) ReportEmergency(ctx context.Context, kind, note string) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if kind == "" {
		return errors.New("emergency type required")
	}
	c.mu.Lock()
	report := protocol.ReportEmergency{Type: kind, Note: note, Location: c.locationLocked()}
	if c.active != nil {
		report.JobID = c.active.ID()
	}
	cmdID := c.newID()
	c.mu.Unlock()

	env, err := protocol.NewCommand(protocol.KindReportEmergency, cmdID, report)
	if err != nil {
		return err
	}
	c.log.Warnf("reporting %s emergency (job %q)", kind, report.JobID)
	attempts, err := c.deliver(ctx, cmdID, env, ErrEmergencyRejected)
	rec := journal.Record{Timestamp: c.now(), JobID: report.JobID, Event: journal.EventEmergency, CommandID: cmdID, Attempts: attempts, Detail: kind}
	if err != nil {
		rec.Detail = fmt.Sprintf("%s: %v", kind, err)
		c.log.Errorw("emergency report not acknowledged", err, map[string]any{"job_id": report.JobID, "type": kind})
	}
	c.record(rec)
	return err
}
