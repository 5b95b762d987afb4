package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/petrijr/stagewise/pkg/api"
)

// EventsTopic is the topic workflow events are published on.
const EventsTopic = "stagewise.events"

// Message metadata keys.
const (
	EventTypeMetadataKey  = "event_type"
	WorkflowIDMetadataKey = "workflow_id"
)

// EventPublisher publishes every lifecycle callback as an api.WorkflowEvent
// on EventsTopic. Publishing failures are logged and never affect the
// workflow.
type EventPublisher struct {
	publisher message.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

var _ api.Observer = (*EventPublisher)(nil)

// NewEventPublisher returns an Observer publishing to pub. If logger is nil,
// slog.Default() is used.
func NewEventPublisher(pub message.Publisher, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{publisher: pub, logger: logger, now: time.Now}
}

// NewGoChannel returns an in-process pub/sub usable as both the publisher
// of an EventPublisher and the subscriber of Subscribe.
func NewGoChannel() *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewStdLogger(false, false),
	)
}

func (p *EventPublisher) OnWorkflowStart(ctx context.Context, st *api.WorkflowState) {
	p.publish(p.event(api.EventWorkflowStarted, st, st.CurrentStage, ""))
}

func (p *EventPublisher) OnWorkflowCompleted(ctx context.Context, st *api.WorkflowState) {
	p.publish(p.event(api.EventWorkflowCompleted, st, api.StageNone, ""))
}

func (p *EventPublisher) OnWorkflowFailed(ctx context.Context, st *api.WorkflowState, err error) {
	p.publish(p.event(api.EventWorkflowFailed, st, api.StageNone, errString(err)))
}

func (p *EventPublisher) OnStageStart(ctx context.Context, st *api.WorkflowState, stage api.Stage) {
	p.publish(p.event(api.EventStageStarted, st, stage, ""))
}

func (p *EventPublisher) OnStageCompleted(ctx context.Context, st *api.WorkflowState, stage api.Stage, err error, d time.Duration) {
	if err != nil {
		p.publish(p.event(api.EventStageFailed, st, stage, errString(err)))
		return
	}
	p.publish(p.event(api.EventStageCompleted, st, stage, fmt.Sprintf("took %s", d)))
}

func (p *EventPublisher) OnHandoff(ctx context.Context, ev api.HandoffEvent) {
	detail := string(ev.Outcome)
	if ev.Detail != "" {
		detail += ": " + ev.Detail
	}
	p.publish(api.WorkflowEvent{
		WorkflowID: ev.WorkflowID,
		At:         ev.At,
		Type:       api.EventHandoff,
		Stage:      ev.FromStage,
		Detail:     detail,
	})
}

func (p *EventPublisher) event(typ api.EventType, st *api.WorkflowState, stage api.Stage, detail string) api.WorkflowEvent {
	return api.WorkflowEvent{
		WorkflowID: st.ID,
		At:         p.now().UTC(),
		Type:       typ,
		Status:     st.Status,
		Stage:      stage,
		Version:    st.Version,
		Detail:     detail,
	}
}

func (p *EventPublisher) publish(ev api.WorkflowEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("event_encode_failed", slog.String("error", err.Error()))
		return
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(EventTypeMetadataKey, string(ev.Type))
	msg.Metadata.Set(WorkflowIDMetadataKey, ev.WorkflowID)

	if err := p.publisher.Publish(EventsTopic, msg); err != nil {
		p.logger.Warn("event_publish_failed",
			slog.String("workflow_id", ev.WorkflowID),
			slog.String("event_type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Subscribe decodes the events published on EventsTopic. Every message is
// acked, including ones that fail to decode. The channel is closed when ctx
// is done.
func Subscribe(ctx context.Context, sub message.Subscriber) (<-chan api.WorkflowEvent, error) {
	messages, err := sub.Subscribe(ctx, EventsTopic)
	if err != nil {
		return nil, err
	}

	out := make(chan api.WorkflowEvent)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev api.WorkflowEvent
			err := json.Unmarshal(msg.Payload, &ev)
			msg.Ack()
			if err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
