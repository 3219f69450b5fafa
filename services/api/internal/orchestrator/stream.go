package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/fabrikhq/decision-core/pkg/models"
)

// EventType enumerates streaming event kinds in emission order.
type EventType string

const (
	EventStart      EventType = "start"
	EventRouting    EventType = "routing"
	EventRouted     EventType = "routed"
	EventProcessing EventType = "processing"
	EventContent    EventType = "content"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one frame of a streamed orchestration. Exactly one terminal
// event (done or error) is emitted and the channel closes after it.
type Event struct {
	Type    EventType           `json:"type"`
	Content string              `json:"content,omitempty"`
	Routing *models.RoutingInfo `json:"routing_info,omitempty"`
	Result  *models.AgentResult `json:"result,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// contentChunkSize is how much response text one content event carries.
const contentChunkSize = 256

// HandleStream runs Handle while narrating progress on the returned
// channel. The channel is closed after the terminal event; the caller
// owns ctx and cancels to abandon the stream.
func (o *Orchestrator) HandleStream(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event, 8)

	go func() {
		defer close(events)

		emit := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(Event{Type: EventStart}) {
			return
		}

		if req.Utterance == "" {
			emit(Event{Type: EventError, Error: ErrNoUtterance.Error()})
			return
		}

		if !emit(Event{Type: EventRouting}) {
			return
		}
		cls := o.classifier.Classify(ctx, req.TenantID, req.Utterance, req.Scope)
		routing := models.RoutingInfo{
			Intent:      cls.Intent,
			TargetAgent: cls.TargetAgent,
			Source:      cls.Source,
			Confidence:  cls.Confidence,
		}

		if check := o.matrix.Check(req.Role, cls.Intent); !check.Allowed {
			routing.PermissionDenied = true
			routing.RequiredRole = check.RequiredRole
			routing.UserRole = check.UserRole
			emit(Event{
				Type:  EventError,
				Error: fmt.Sprintf("permission denied: intent %s requires role %s", cls.Intent, check.RequiredRole),
				Routing: &routing,
			})
			return
		}
		if !emit(Event{Type: EventRouted, Routing: &routing}) {
			return
		}

		if err := o.checkRateLimit(ctx, req.TenantID); err != nil {
			emit(Event{Type: EventError, Error: err.Error(), Routing: &routing})
			return
		}

		if !emit(Event{Type: EventProcessing}) {
			return
		}

		result, err := o.dispatch(ctx, req, cls)
		if err != nil {
			emit(Event{Type: EventError, Error: err.Error(), Routing: &routing})
			return
		}
		result.RoutingInfo = routing

		for _, chunk := range chunks(result.Response, contentChunkSize) {
			if !emit(Event{Type: EventContent, Content: chunk}) {
				return
			}
		}

		emit(Event{Type: EventDone, Result: result})
	}()

	return events
}

func chunks(s string, size int) []string {
	if s == "" {
		return nil
	}
	var out []string
	var b strings.Builder
	for _, r := range s {
		b.WriteRune(r)
		if b.Len() >= size {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
