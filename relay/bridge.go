package relay

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack"

	"github.com/chainguild/cgp/event"
)

// bridgeBufferSize caps the produce channel; a slow or dead NATS consumer
// must never stall the sequencing path.
const bridgeBufferSize = 2048

// StreamEvent is the msgpack envelope the bridge publishes per sequenced
// event.
type StreamEvent struct {
	GuildID string          `msgpack:"guildId"`
	Type    string          `msgpack:"type"`
	Seq     int64           `msgpack:"seq"`
	Data    json.RawMessage `msgpack:"data"`
}

// Bridge mirrors every sequenced event onto a per-guild NATS subject
// (<subject>.<guildId>) for out-of-band consumers. It is strictly
// best-effort: events that cannot be queued or published are dropped with a
// warning.
type Bridge struct {
	nc      *nats.Conn
	subject string
	log     zerolog.Logger

	produce chan StreamEvent
	done    chan struct{}
}

// NewBridge connects to NATS and starts the produce loop.
func NewBridge(address, subject string, log zerolog.Logger) (*Bridge, error) {
	nc, err := nats.Connect(address)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		nc:      nc,
		subject: subject,
		log:     log.With().Str("component", "bridge").Logger(),
		produce: make(chan StreamEvent, bridgeBufferSize),
		done:    make(chan struct{}),
	}
	go b.forwardProduce()
	return b, nil
}

// Forward queues one event for publication; the engine's forward hook.
func (b *Bridge) Forward(guildID string, ev *event.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn().Err(err).Msg("failed to marshal event")
		return
	}
	se := StreamEvent{
		GuildID: guildID,
		Type:    ev.Body.EventType(),
		Seq:     ev.Seq,
		Data:    raw,
	}
	select {
	case b.produce <- se:
	default:
		b.log.Warn().Str("guild", guildID).Int64("seq", ev.Seq).Msg("produce buffer full, dropping event")
	}
}

func (b *Bridge) forwardProduce() {
	var ep []byte
	var err error

	for se := range b.produce {
		ep, err = msgpack.Marshal(se)
		if err != nil {
			b.log.Warn().Err(err).Msg("failed to marshal stream event")
			continue
		}
		if err = b.nc.Publish(b.subject+"."+se.GuildID, ep); err != nil {
			b.log.Warn().Err(err).Msg("failed to publish stream event")
		}
	}
	close(b.done)
}

// Close drains the produce channel and closes the NATS connection.
func (b *Bridge) Close() {
	close(b.produce)
	<-b.done
	b.nc.Flush()
	b.nc.Close()
}
