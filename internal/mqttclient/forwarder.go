package mqttclient

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snarg/minutes-engine/internal/events"
	"github.com/snarg/minutes-engine/internal/job"
)

// Publisher is the subset of Client the forwarder needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Forwarder mirrors event bus traffic to MQTT. Delivery is best effort:
// QoS 0, not retained, and events are dropped when the broker falls behind.
type Forwarder struct {
	pub    Publisher
	bus    *events.Bus
	prefix string
	log    zerolog.Logger
}

func NewForwarder(pub Publisher, bus *events.Bus, prefix string, log zerolog.Logger) *Forwarder {
	return &Forwarder{
		pub:    pub,
		bus:    bus,
		prefix: strings.TrimSuffix(prefix, "/"),
		log:    log.With().Str("component", "mqtt-forwarder").Logger(),
	}
}

// Run forwards events until ctx is done.
func (f *Forwarder) Run(ctx context.Context) {
	ch, cancel := f.bus.SubscribeBuffered(events.Filter{}, 256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			f.forward(e)
		}
	}
}

func (f *Forwarder) forward(e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	topic := EventTopic(f.prefix, e.JobID, e.Type)
	if err := f.pub.Publish(topic, 0, false, payload); err != nil {
		f.log.Debug().Err(err).Str("topic", topic).Msg("mqtt publish failed")
	}
}

// SubmitFunc queues a job for a source path.
type SubmitFunc func(ctx context.Context, sourcePath string) (job.Job, error)

type submitRequest struct {
	AudioPath string `json:"audio_path"`
}

// NewSubmitHandler returns a MessageHandler that queues a job for every
// well-formed submission. Outcomes are reported through the usual job
// events, so nothing is published in reply.
func NewSubmitHandler(submit SubmitFunc, log zerolog.Logger) MessageHandler {
	log = log.With().Str("component", "mqtt-submit").Logger()
	return func(topic string, payload []byte) {
		var req submitRequest
		if err := json.Unmarshal(payload, &req); err != nil || strings.TrimSpace(req.AudioPath) == "" {
			log.Warn().Str("topic", topic).Msg("ignoring malformed submission; want {\"audio_path\": \"...\"}")
			return
		}
		j, err := submit(context.Background(), req.AudioPath)
		if err != nil {
			log.Warn().Err(err).Str("source", req.AudioPath).Msg("mqtt submission rejected")
			return
		}
		log.Info().Str("job_id", j.ID).Str("source", req.AudioPath).Msg("job submitted over mqtt")
	}
}
