package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/dispatchloop/internal/runtime/ids"
	"github.com/drblury/dispatchloop/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/dispatchloop/internal/runtime/logging"
)

// DeadLetterEnvelope is the JSON payload published per dead-lettered
// message. The original payload is carried verbatim.
type DeadLetterEnvelope struct {
	MessageID     string    `json:"message_id"`
	Type          string    `json:"type"`
	Priority      string    `json:"priority"`
	Payload       any       `json:"payload"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Source        string    `json:"source,omitempty"`
	Cause         string    `json:"cause"`
	CreatedAt     time.Time `json:"created_at"`
	DeadAt        time.Time `json:"dead_at"`
}

// DeadLetterSink parks messages whose retry budget is exhausted on an
// in-process pub/sub topic, so operators can subscribe and drain them.
type DeadLetterSink struct {
	topic   string
	pubsub  *gochannel.GoChannel
	logger  loggingpkg.ServiceLogger
	metrics *LoopMetrics
}

// NewDeadLetterSink builds a sink publishing to topic. Messages published
// while no subscriber is attached are dropped; attach the subscriber first
// when draining matters.
func NewDeadLetterSink(topic string, logger loggingpkg.ServiceLogger, metrics *LoopMetrics) *DeadLetterSink {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 128},
		loggingpkg.NewWatermillAdapter(logger),
	)
	return &DeadLetterSink{
		topic:   topic,
		pubsub:  pubsub,
		logger:  logger,
		metrics: metrics,
	}
}

// Publish parks msg with its terminal cause.
func (s *DeadLetterSink) Publish(msg *Message, cause error) error {
	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}
	envelope := DeadLetterEnvelope{
		MessageID:     msg.ID,
		Type:          msg.Type,
		Priority:      msg.Priority.String(),
		Payload:       msg.Payload,
		RetryCount:    msg.RetryCount(),
		MaxRetries:    msg.MaxRetries,
		CorrelationID: msg.CorrelationID,
		Source:        msg.Source,
		Cause:         causeText,
		CreatedAt:     msg.CreatedAt,
		DeadAt:        time.Now().UTC(),
	}
	payload, err := jsoncodec.Marshal(envelope)
	if err != nil {
		return err
	}

	wm := message.NewMessage(ids.NewULID(), payload)
	wm.Metadata.Set("message_id", msg.ID)
	wm.Metadata.Set("message_type", msg.Type)
	wm.Metadata.Set("cause", causeText)

	if err := s.pubsub.Publish(s.topic, wm); err != nil {
		return err
	}

	s.metrics.RecordDeadLetter(msg.Type)
	s.logger.Warn("Message dead-lettered", loggingpkg.LogFields{
		"message_id":  msg.ID,
		"type":        msg.Type,
		"retry_count": msg.RetryCount(),
		"cause":       causeText,
	})
	return nil
}

// Subscribe returns the stream of dead-lettered envelopes. Ack each message
// after draining it.
func (s *DeadLetterSink) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return s.pubsub.Subscribe(ctx, s.topic)
}

// DecodeDeadLetter unmarshals a subscribed watermill message back into its
// envelope.
func DecodeDeadLetter(wm *message.Message) (*DeadLetterEnvelope, error) {
	var envelope DeadLetterEnvelope
	if err := jsoncodec.Unmarshal(wm.Payload, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// Close shuts the underlying pub/sub down. Pending subscribers see their
// channels closed.
func (s *DeadLetterSink) Close() error {
	return s.pubsub.Close()
}
