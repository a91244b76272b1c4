package dashboard

import (
	"context"
	"log"
	"os"

	"github.com/impact7/attend/internal/drain"
	"github.com/impact7/attend/internal/session"
)

// Handler turns session events into dashboard messages.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, logger: logger}
}

// Attach subscribes the handler to s: pending-count changes and drain passes
// are broadcast, focus messages trigger a drain, and new clients are greeted
// with the current pending count.
func (h *Handler) Attach(s *session.Session) {
	s.OnPendingChange(h.OnPendingCount)
	s.Drain().OnPass(h.OnDrainComplete)
	h.server.OnFocus(s.Drain().Trigger)
	h.server.PendingSource(s.PendingCount)
}

// OnPendingCount broadcasts the badge count.
func (h *Handler) OnPendingCount(n int) {
	h.server.BroadcastData(MessageTypePendingCount, PendingCountData{Pending: n})
}

// OnDrainComplete broadcasts the result of a drain pass.
func (h *Handler) OnDrainComplete(r drain.Result) {
	if r.Delivered > 0 || r.Failed > 0 {
		h.logger.Printf("Drain complete: %d delivered, %d failed, %d pending", r.Delivered, r.Failed, r.Pending)
	}
	h.server.BroadcastData(MessageTypeDrainComplete, DrainCompleteData{
		Delivered: r.Delivered,
		Failed:    r.Failed,
		Pending:   r.Pending,
	})
}

// OnSyncComplete broadcasts the result of a pull.
func (h *Handler) OnSyncComplete(r session.SyncResult) {
	h.logger.Printf("Sync complete: success=%v count=%d", r.Success, r.Count)
	h.server.BroadcastData(MessageTypeSyncComplete, SyncCompleteData{
		Success: r.Success,
		Count:   r.Count,
		Error:   r.Error,
	})
}

// Sync runs s.Sync and broadcasts its result.
func (h *Handler) Sync(ctx context.Context, s *session.Session) session.SyncResult {
	res := s.Sync(ctx)
	h.OnSyncComplete(res)
	return res
}
