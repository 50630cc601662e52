package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// pendingApprovalsPollInterval is how often the stream handler re-polls
// the approval backend's Pending() list and pushes a fresh snapshot.
// There's no push-based notification on approval.Backend, so this is a
// plain poll-and-diff loop rather than a true subscription.
const pendingApprovalsPollInterval = 2 * time.Second

// handlePendingApprovalsStream upgrades to a WebSocket connection and
// pushes the pending-approvals snapshot once on connect and again
// whenever the number of pending requests changes (a change that leaves
// the count the same is not pushed), so an
// operator console doesn't need to poll GET /api/v1/pending-approvals
// itself. It carries no approval semantics beyond what that endpoint
// already exposes — only a different transport.
func (h *Handler) handlePendingApprovalsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Error("pending-approvals stream: accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	ticker := time.NewTicker(pendingApprovalsPollInterval)
	defer ticker.Stop()

	lastCount := -1
	for {
		pending, err := h.engine.PendingApprovals(ctx)
		if err != nil {
			h.logger.Error("pending-approvals stream: list failed", "error", err)
			return
		}
		if len(pending) != lastCount {
			dtos := make([]pendingApprovalDTO, len(pending))
			for i, p := range pending {
				dtos[i] = newPendingApprovalDTO(p)
			}
			payload, err := json.Marshal(pendingApprovalsResponse{
				Approvals: dtos,
				RequestID: requestIDFromContext(ctx),
			})
			if err != nil {
				h.logger.Error("pending-approvals stream: marshal failed", "error", err)
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
			lastCount = len(pending)
		}

		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}
