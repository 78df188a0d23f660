// Package transcript keeps the running transcript of every live audio
// session: accumulated text, absolute segment timestamps and the audio
// offset consumed so far.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Update is the result of merging one chunk. It only describes that chunk,
// not the accumulated transcript.
type Update struct {
	Text     string             `json:"text"`
	Segments []protocol.Segment `json:"segments"`
	// Sequence is the 1-based index of the chunk within its session.
	Sequence int     `json:"-"`
	Offset   float64 `json:"-"`
}

// Empty reports whether the chunk produced no text worth emitting.
func (u Update) Empty() bool {
	return u.Text == ""
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID       string
	Text     string
	Segments []protocol.Segment
	Offset   float64
	Chunks   int
	OpenedAt time.Time
}

type session struct {
	mu       sync.Mutex
	text     string
	segments []protocol.Segment
	offset   float64
	chunks   int
	openedAt time.Time
}

// Store maps connection ids to session state.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
	clock    func() time.Time
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*session),
		clock:    time.Now,
	}
}

// Create initializes empty state for id. An existing session with the same
// id is reset.
func (s *Store) Create(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &session{openedAt: s.clock().UTC()}
}

// Destroy removes the session. Missing ids are ignored.
func (s *Store) Destroy(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Store) lookup(id string) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// MergeChunk shifts the chunk-relative segments by the session offset,
// appends them and their text, then advances the offset by duration.
// It returns false when the session no longer exists.
func (s *Store) MergeChunk(id string, segments []protocol.Segment, duration float64) (Update, bool) {
	sess := s.lookup(id)
	if sess == nil {
		return Update{}, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	offset := sess.offset
	adjusted := make([]protocol.Segment, 0, len(segments))
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		adjusted = append(adjusted, protocol.Segment{
			Start: seg.Start + offset,
			End:   seg.End + offset,
			Text:  seg.Text,
		})
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	chunkText := strings.Join(parts, " ")

	sess.segments = append(sess.segments, adjusted...)
	sess.text = joinText(sess.text, chunkText)
	sess.offset += duration
	sess.chunks++

	return Update{
		Text:     chunkText,
		Segments: adjusted,
		Sequence: sess.chunks,
		Offset:   offset,
	}, true
}

func joinText(current, chunk string) string {
	if chunk == "" {
		return current
	}
	if current == "" || continuesSentence(chunk) {
		return current + chunk
	}
	return current + " " + chunk
}

func continuesSentence(chunk string) bool {
	switch chunk[0] {
	case '.', ',', '!', '?':
		return true
	}
	return false
}

// LongestText returns the text of the live session holding the most
// characters. It is a single-user heuristic for download requests that do
// not name a session.
func (s *Store) LongestText() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.sessions) == 0 {
		return "", false
	}
	var longest string
	for _, sess := range s.sessions {
		sess.mu.Lock()
		text := sess.text
		sess.mu.Unlock()
		if len(text) > len(longest) {
			longest = text
		}
	}
	return longest, true
}

// Text returns the accumulated text of one session.
func (s *Store) Text(id string) (string, bool) {
	sess := s.lookup(id)
	if sess == nil {
		return "", false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.text, true
}

func (s *Store) Snapshot(id string) (Snapshot, bool) {
	sess := s.lookup(id)
	if sess == nil {
		return Snapshot{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Snapshot{
		ID:       id,
		Text:     sess.text,
		Segments: append([]protocol.Segment(nil), sess.segments...),
		Offset:   sess.offset,
		Chunks:   sess.chunks,
		OpenedAt: sess.openedAt,
	}, true
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
