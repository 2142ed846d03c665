package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/squadron/squadron/pkg/event"
)

// webhookPayload is the normalized event shape spec.md §6 defines as the
// Event Router's input: event_type, delivery_id, sender, repository,
// payload. DeliveryID defaults to a generated uuid when the forge doesn't
// send one, so Emit's idempotency check always has something to key on.
type webhookPayload struct {
	EventType   string                 `json:"event_type" binding:"required"`
	DeliveryID  string                 `json:"delivery_id"`
	Sender      string                 `json:"sender"`
	Repository  string                 `json:"repository"`
	PRNumber    int64                  `json:"pr_number"`
	IssueNumber int64                  `json:"issue_number"`
	Payload     map[string]any         `json:"payload"`
}

// handleWebhook ingests a normalized forge event and hands it to the Event
// Router (spec.md §6 "Normalized event (input to Event Router)"). It is
// deliberately unauthenticated by the bearer-token middleware the rest of
// the API uses: forge webhook delivery has its own signature scheme, out of
// scope for this spec, so this endpoint is exposed separately.
func (s *Server) handleWebhook(c *gin.Context) {
	var p webhookPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if p.DeliveryID == "" {
		p.DeliveryID = uuid.NewString()
	}

	ev := event.Event{
		Type:        p.EventType,
		DeliveryID:  p.DeliveryID,
		Sender:      p.Sender,
		Repo:        p.Repository,
		PRNumber:    p.PRNumber,
		IssueNumber: p.IssueNumber,
		Payload:     p.Payload,
		ReceivedAt:  time.Now().UTC(),
	}

	if err := s.router.Emit(ev); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"delivery_id": ev.DeliveryID})
}
