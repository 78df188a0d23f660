package protocol

import "time"

// Segment is a timed span of recognized speech, in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// SessionEvent is broadcast on the bus when a websocket session opens or closes.
type SessionEvent struct {
	SessionID  string    `json:"session_id"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Text       string    `json:"text,omitempty"`
	Offset     float64   `json:"offset,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChunkEvent is broadcast on the bus for every merged chunk that produced text.
type ChunkEvent struct {
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	Text      string    `json:"text"`
	Segments  []Segment `json:"segments"`
	Offset    float64   `json:"offset"`
	Duration  float64   `json:"duration"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Client-facing websocket message types.
const (
	TypeSession = "session"
	TypeText    = "text"
	TypeError   = "error"
	TypeAudio   = "audio"
)

// ServerMessage is written to websocket clients.
type ServerMessage struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Segments  []Segment `json:"segments,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// ClientMessage is the JSON form of an inbound text frame. Data carries
// base64 audio for clients that cannot send binary frames.
type ClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

const (
	SubjectTranscriptPrefix = "transcript"
	SubjectSessionOpened    = "transcript.session.opened"
	SubjectSessionClosed    = "transcript.session.closed"
	SubjectChunk            = "transcript.chunk"
)
