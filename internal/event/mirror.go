package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/horizon-agent/internal/logger"
)

const mirrorTopic = "horizon.events"

// Envelope is an event as seen by Stream readers; Data is already JSON.
type Envelope struct {
	Kind   Kind            `json:"kind"`
	Source string          `json:"source"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Mirror republishes bus events on a watermill gochannel. Publishing blocks
// until every stream has accepted the message so arrival order is kept.
type Mirror struct {
	pubsub *gochannel.GoChannel
	log    *logger.Logger
}

func NewMirror(log *logger.Logger) *Mirror {
	log = logger.OrNop(log).With("component", "event-mirror")
	return &Mirror{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            64,
				BlockPublishUntilSubscriberAck: true,
			},
			watermillLogger{log: log},
		),
		log: log,
	}
}

func (m *Mirror) publish(ev Event) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		m.log.Warn("drop %s event from %s: %v", ev.Kind, ev.Source, err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("kind", string(ev.Kind))
	msg.Metadata.Set("source", ev.Source)
	if err := m.pubsub.Publish(mirrorTopic, msg); err != nil {
		m.log.Debug("mirror publish: %v", err)
	}
}

// Stream returns every mirrored event until ctx is done. A slow reader
// applies backpressure to publishers.
func (m *Mirror) Stream(ctx context.Context) (<-chan Envelope, error) {
	msgs, err := m.pubsub.Subscribe(ctx, mirrorTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribe mirror: %w", err)
	}
	out := make(chan Envelope)
	go func() {
		defer close(out)
		for msg := range msgs {
			env := Envelope{
				Kind:   Kind(msg.Metadata.Get("kind")),
				Source: msg.Metadata.Get("source"),
				Data:   json.RawMessage(msg.Payload),
			}
			select {
			case out <- env:
				msg.Ack()
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *Mirror) Close() error {
	return m.pubsub.Close()
}

type watermillLogger struct {
	log    *logger.Logger
	fields watermill.LogFields
}

func (w watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.log.Error("%s: %v %v", msg, err, w.fields.Add(fields))
}

func (w watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.log.Debug("%s %v", msg, w.fields.Add(fields))
}

func (w watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.log.Debug("%s %v", msg, w.fields.Add(fields))
}

func (w watermillLogger) Trace(string, watermill.LogFields) {}

func (w watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{log: w.log, fields: w.fields.Add(fields)}
}
