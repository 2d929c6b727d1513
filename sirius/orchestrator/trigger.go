package orchestrator

import (
	"context"
	"errors"

	"github.com/SiriusScan/threat-intel/sirius/queue"
)

// TriggerHandler returns a queue.MessageProcessor that starts a manual
// ingestion for every valid trigger message. Busy rejections are logged.
func (o *Orchestrator) TriggerHandler(ctx context.Context) queue.MessageProcessor {
	return func(msg string) {
		if ctx.Err() != nil {
			o.log.Info("Ignoring trigger message, listener stopping")
			return
		}
		req, err := queue.ParseTrigger(msg)
		if err != nil {
			o.log.Warn("Ignoring trigger message", "error", err)
			return
		}
		err = o.TriggerManualIngestion(ctx)
		switch {
		case errors.Is(err, ErrShuttingDown):
			o.log.Info("Manual ingestion rejected, shutting down", "requested_by", req.RequestedBy)
		case errors.Is(err, ErrAlreadyRunning):
			o.log.Info("Manual ingestion rejected, cycle already running", "requested_by", req.RequestedBy)
		case err != nil:
			o.log.Error("Manual ingestion failed to start", "error", err)
		default:
			o.log.Info("Manual ingestion started", "requested_by", req.RequestedBy, "reason", req.Reason)
		}
	}
}
