package relay

// EventType names the kinds of events fanned out to subscribers.
type EventType string

const (
	EventMetadata EventType = "metadata"
	EventError    EventType = "error"
)

// TrackMetadata is one "now playing" update for a station. Title keeps the
// raw stream title verbatim; Artist is empty when the title carried no
// separator.
type TrackMetadata struct {
	StationID string `json:"stationId"`
	Title     string `json:"title"`
	Artist    string `json:"artist,omitempty"`
	Song      string `json:"song"`
	Timestamp int64  `json:"timestamp"`
}

// Event is what subscribers receive. Metadata is set for EventMetadata,
// Message for EventError.
type Event struct {
	Type     EventType
	Metadata *TrackMetadata
	Message  string
}
