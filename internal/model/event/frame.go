package event

// Frame is the JSON shape pushed to subscribers.
type Frame struct {
	Type      Type    `json:"type"`
	EventID   string  `json:"eventId"`
	Data      Payload `json:"data"`
	Timestamp int64   `json:"timestamp"`
}

// ToFrame renders an event for a client connection.
func ToFrame(ev Event) Frame {
	return Frame{
		Type:      ev.Type(),
		EventID:   ev.ID,
		Data:      ev.Payload,
		Timestamp: ev.At.UnixMilli(),
	}
}
