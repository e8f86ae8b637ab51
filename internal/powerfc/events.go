package powerfc

import "time"

// EventKind identifies what happened in the engine.
type EventKind int

const (
	EventTelemetry EventKind = iota + 1
	EventPlatform
	EventFuelMapLoaded
	EventFuelMapRead
	EventWriteStarted
	EventWriteAcked
	EventWriteCommitted
	EventTransportFault
	EventProtocolMismatch
)

var eventKindNames = map[EventKind]string{
	EventTelemetry:        "telemetry",
	EventPlatform:         "platform",
	EventFuelMapLoaded:    "fuelmap_loaded",
	EventFuelMapRead:      "fuelmap_read",
	EventWriteStarted:     "write_started",
	EventWriteAcked:       "write_acked",
	EventWriteCommitted:   "write_committed",
	EventTransportFault:   "transport_fault",
	EventProtocolMismatch: "protocol_mismatch",
}

func (k EventKind) String() string { return eventKindNames[k] }

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event is emitted from the engine loop. Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind  `json:"type"`
	Time      time.Time  `json:"time"`
	Session   string     `json:"session"`
	Telemetry *Telemetry `json:"telemetry,omitempty"`
	Decision  *Decision  `json:"decision,omitempty"`
	Family    Family     `json:"family,omitempty"`
	Chunk     int        `json:"chunk,omitempty"` // fuel map chunk read or acknowledged
	Writes    int        `json:"writes,omitempty"`
	Committed int        `json:"committed,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Listener receives engine events. HandleEvent runs on the engine loop and
// must not block.
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(e Event) { f(e) }

type nopListener struct{}

func (nopListener) HandleEvent(Event) {}
