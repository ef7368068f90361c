package event

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same event always yields
// identical bytes. Times keep nanoseconds so message ordering survives the hop.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("event: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("event: CBOR decoder initialization failed: " + err.Error())
	}
}

// Meta identifies one relayed event.
type Meta struct {
	ID       string    `cbor:"id"`
	Type     Type      `cbor:"type"`
	Time     time.Time `cbor:"time"`
	Producer string    `cbor:"producer,omitempty"`
}

// Envelope is the unit relayed between processes: one event plus the rooms
// it targets on the receiving side.
type Envelope struct {
	Meta           Meta            `cbor:"meta"`
	OrganizationID string          `cbor:"organization_id"`
	Rooms          []Room          `cbor:"rooms"`
	Data           cbor.RawMessage `cbor:"data"`
}

// Seal wraps an event for relaying.
func Seal(ev Event, rooms []Room, producer string) (Envelope, error) {
	if ev.Payload == nil {
		return Envelope{}, fmt.Errorf("event %s has no payload", ev.ID)
	}
	data, err := encMode.Marshal(ev.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", ev.Type(), err)
	}
	return Envelope{
		Meta: Meta{
			ID:       ev.ID,
			Type:     ev.Type(),
			Time:     ev.At,
			Producer: producer,
		},
		OrganizationID: ev.OrganizationID,
		Rooms:          append([]Room(nil), rooms...),
		Data:           data,
	}, nil
}

// Open decodes the payload of env into its concrete variant.
func (env Envelope) Open() (Event, error) {
	var (
		payload Payload
		err     error
	)
	switch env.Meta.Type {
	case TypeNewMessage:
		payload, err = decodeAs[NewMessage](env.Data)
	case TypeAgentAssigned:
		payload, err = decodeAs[AgentAssigned](env.Data)
	case TypeTypingStart:
		payload, err = decodeAs[TypingStart](env.Data)
	case TypeTypingStop:
		payload, err = decodeAs[TypingStop](env.Data)
	case TypeSessionStatusUpdated:
		payload, err = decodeAs[SessionStatusUpdated](env.Data)
	default:
		return Event{}, fmt.Errorf("unknown event type %q", env.Meta.Type)
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", env.Meta.Type, err)
	}
	return Event{
		ID:             env.Meta.ID,
		OrganizationID: env.OrganizationID,
		At:             env.Meta.Time,
		Payload:        payload,
	}, nil
}

func decodeAs[T Payload](data []byte) (Payload, error) {
	var v T
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Marshal encodes an envelope for the relay transport.
func Marshal(env Envelope) ([]byte, error) {
	return encMode.Marshal(env)
}

// Unmarshal decodes relay bytes into an envelope.
func Unmarshal(data []byte, env *Envelope) error {
	return decMode.Unmarshal(data, env)
}

// ContentType is the media type of marshalled envelopes.
const ContentType = "application/cbor"
