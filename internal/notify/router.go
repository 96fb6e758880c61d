package notify

import (
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"

	"github.com/pitabwire/procflow/internal/observability"
	"github.com/pitabwire/procflow/internal/workflow"
)

// NewLogRouter builds a router that logs every notification received from
// subscriber. Run it with router.Run(ctx).
func NewLogRouter(subscriber message.Subscriber, logger *zap.Logger) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{}, NewLoggerAdapter(logger))
	if err != nil {
		return nil, fmt.Errorf("create notification router: %w", err)
	}
	for _, kind := range Kinds {
		router.AddNoPublisherHandler(
			"log_"+string(kind),
			Topic(kind),
			subscriber,
			logHandler(logger),
		)
	}
	return router, nil
}

func logHandler(logger *zap.Logger) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		var n workflow.Notification
		if err := json.Unmarshal(msg.Payload, &n); err != nil {
			// A payload that never decodes would be redelivered forever.
			logger.Error("undecodable notification", zap.String("message_id", msg.UUID), zap.Error(err))
			return nil
		}
		ctx := observability.ExtractTraceMetadata(msg.Context(), msg.Metadata)
		fields := []zap.Field{
			zap.String("message_id", msg.UUID),
			zap.String("kind", string(n.Kind)),
			zap.Int64("instance_id", n.Instance.ID),
			zap.String("process_id", n.Instance.ProcessID),
			zap.String("cur_node", n.Instance.CurNode),
		}
		if n.Task != nil {
			fields = append(fields, zap.Int64("task_id", n.Task.ID), zap.String("assignee", n.Task.User))
		}
		if n.Event != nil {
			fields = append(fields, zap.String("act_type", string(n.Event.ActType)), zap.String("user", n.Event.User))
		}
		if traceID := observability.TraceIDFromContext(ctx); traceID != "" {
			fields = append(fields, zap.String("trace_id", traceID))
		}
		logger.Info("workflow notification", fields...)
		return nil
	}
}
