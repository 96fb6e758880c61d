// Package notify publishes committed workflow changes over watermill.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/procflow/internal/observability"
	"github.com/pitabwire/procflow/internal/workflow"
)

// TopicPrefix prefixes every topic; the notification kind completes it.
const TopicPrefix = "procflow."

// Metadata keys set on every message.
const (
	MetaKind       = "kind"
	MetaInstanceID = "instance_id"
	MetaProcessID  = "process_id"
)

// Kinds lists every notification kind published.
var Kinds = []workflow.NotificationKind{
	workflow.NotifyTaskAssigned,
	workflow.NotifyInstanceClosed,
	workflow.NotifyEventRecorded,
}

// Topic returns the topic a notification kind is published on.
func Topic(kind workflow.NotificationKind) string {
	return TopicPrefix + string(kind)
}

// WatermillNotifier implements workflow.Notifier on a watermill publisher.
type WatermillNotifier struct {
	publisher message.Publisher
}

// NewWatermillNotifier wraps a publisher.
func NewWatermillNotifier(publisher message.Publisher) *WatermillNotifier {
	return &WatermillNotifier{publisher: publisher}
}

// Notify publishes each notification as a JSON message. Every message is
// attempted; the failures are returned joined.
func (n *WatermillNotifier) Notify(ctx context.Context, batch []workflow.Notification) error {
	trace := observability.InjectTraceMetadata(ctx)

	var errs []error
	for _, item := range batch {
		payload, err := json.Marshal(item)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal %s notification: %w", item.Kind, err))
			continue
		}
		msg := message.NewMessage(uuid.NewString(), payload)
		msg.Metadata.Set(MetaKind, string(item.Kind))
		msg.Metadata.Set(MetaInstanceID, strconv.FormatInt(item.Instance.ID, 10))
		msg.Metadata.Set(MetaProcessID, item.Instance.ProcessID)
		for k, v := range trace {
			msg.Metadata.Set(k, v)
		}
		msg.SetContext(ctx)

		if err := n.publisher.Publish(Topic(item.Kind), msg); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", item.Kind, err))
		}
	}
	return errors.Join(errs...)
}

// NewPubSub creates the in-process pubsub used when no external broker is
// configured. buffer bounds each subscriber's output channel.
func NewPubSub(buffer int64, logger *zap.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            buffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		NewLoggerAdapter(logger),
	)
}
