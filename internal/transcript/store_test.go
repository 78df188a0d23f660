package transcript

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func seg(start, end float64, text string) protocol.Segment {
	return protocol.Segment{Start: start, End: end, Text: text}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestMergeChunkEndToEnd(t *testing.T) {
	store := NewStore()
	store.Create("conn-1")

	first, ok := store.MergeChunk("conn-1", []protocol.Segment{seg(0, 1, "Hi")}, 1.2)
	if !ok {
		t.Fatal("expected merge to succeed")
	}
	if first.Text != "Hi" {
		t.Fatalf("expected chunk text Hi, got %q", first.Text)
	}
	if len(first.Segments) != 1 || first.Segments[0] != seg(0, 1, "Hi") {
		t.Fatalf("unexpected first segments: %+v", first.Segments)
	}
	snap, _ := store.Snapshot("conn-1")
	if !almostEqual(snap.Offset, 1.2) {
		t.Fatalf("expected offset 1.2, got %v", snap.Offset)
	}

	second, ok := store.MergeChunk("conn-1", []protocol.Segment{seg(0, 0.5, "there")}, 0.8)
	if !ok {
		t.Fatal("expected second merge to succeed")
	}
	if len(second.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(second.Segments))
	}
	if !almostEqual(second.Segments[0].Start, 1.2) || !almostEqual(second.Segments[0].End, 1.7) {
		t.Fatalf("expected shifted segment [1.2,1.7], got %+v", second.Segments[0])
	}
	if second.Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", second.Sequence)
	}

	snap, _ = store.Snapshot("conn-1")
	if snap.Text != "Hi there" {
		t.Fatalf("expected accumulated text %q, got %q", "Hi there", snap.Text)
	}
	if !almostEqual(snap.Offset, 2.0) {
		t.Fatalf("expected offset 2.0, got %v", snap.Offset)
	}
	if len(snap.Segments) != 2 || snap.Chunks != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestOffsetIsSumOfDurations(t *testing.T) {
	store := NewStore()
	store.Create("c")
	durations := []float64{0.5, 2.25, 0, 1.75, 3.1}
	var want float64
	for i, d := range durations {
		store.MergeChunk("c", []protocol.Segment{seg(0, d, fmt.Sprintf("w%d", i))}, d)
		want += d
	}
	snap, _ := store.Snapshot("c")
	if !almostEqual(snap.Offset, want) {
		t.Fatalf("expected offset %v, got %v", want, snap.Offset)
	}
}

func TestSegmentsShiftedByOffsetAtChunkStart(t *testing.T) {
	store := NewStore()
	store.Create("c")
	store.MergeChunk("c", []protocol.Segment{seg(0, 2, "one")}, 2.5)
	upd, _ := store.MergeChunk("c", []protocol.Segment{seg(0.1, 0.9, "two"), seg(1.0, 1.8, "three")}, 2.0)
	if upd.Offset != 2.5 {
		t.Fatalf("expected update offset 2.5, got %v", upd.Offset)
	}
	want := []protocol.Segment{seg(2.6, 3.4, "two"), seg(3.5, 4.3, "three")}
	for i := range want {
		if !almostEqual(upd.Segments[i].Start, want[i].Start) || !almostEqual(upd.Segments[i].End, want[i].End) {
			t.Fatalf("segment %d: expected %+v, got %+v", i, want[i], upd.Segments[i])
		}
	}
	snap, _ := store.Snapshot("c")
	for i := 1; i < len(snap.Segments); i++ {
		if snap.Segments[i].Start < snap.Segments[i-1].Start {
			t.Fatalf("segments out of order: %+v", snap.Segments)
		}
	}
}

func TestJoinRule(t *testing.T) {
	cases := []struct {
		name   string
		chunks []string
		want   string
	}{
		{"space", []string{"Hello", "world"}, "Hello world"},
		{"comma continuation", []string{"Hello", ", there"}, "Hello, there"},
		{"period continuation", []string{"Done", ". Next"}, "Done. Next"},
		{"question", []string{"Really", "?"}, "Really?"},
		{"bang", []string{"Wow", "!"}, "Wow!"},
		{"leading punctuation first", []string{", odd start"}, ", odd start"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewStore()
			store.Create("c")
			for _, chunk := range tc.chunks {
				store.MergeChunk("c", []protocol.Segment{seg(0, 1, chunk)}, 1)
			}
			text, _ := store.Text("c")
			if text != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, text)
			}
		})
	}
}

func TestChunkTextTrimsAndJoinsSegments(t *testing.T) {
	store := NewStore()
	store.Create("c")
	upd, _ := store.MergeChunk("c", []protocol.Segment{seg(0, 1, "  Hello "), seg(1, 2, "   "), seg(2, 3, " world")}, 3)
	if upd.Text != "Hello world" {
		t.Fatalf("expected trimmed chunk text, got %q", upd.Text)
	}
	if len(upd.Segments) != 3 {
		t.Fatalf("expected all segments kept, got %d", len(upd.Segments))
	}
}

func TestEmptyChunkAdvancesOffsetOnly(t *testing.T) {
	store := NewStore()
	store.Create("c")
	store.MergeChunk("c", []protocol.Segment{seg(0, 1, "Hi")}, 1)

	upd, ok := store.MergeChunk("c", nil, 0.7)
	if !ok {
		t.Fatal("expected merge to succeed")
	}
	if !upd.Empty() {
		t.Fatalf("expected empty update, got %+v", upd)
	}
	blank, _ := store.MergeChunk("c", []protocol.Segment{seg(0, 0.3, "  ")}, 0.3)
	if !blank.Empty() {
		t.Fatalf("expected blank update to be empty, got %q", blank.Text)
	}

	snap, _ := store.Snapshot("c")
	if snap.Text != "Hi" {
		t.Fatalf("expected text unchanged, got %q", snap.Text)
	}
	if !almostEqual(snap.Offset, 2.0) {
		t.Fatalf("expected offset 2.0, got %v", snap.Offset)
	}
}

func TestMergeAfterDestroyIsNoop(t *testing.T) {
	store := NewStore()
	store.Create("c")
	store.Destroy("c")
	store.Destroy("c")
	upd, ok := store.MergeChunk("c", []protocol.Segment{seg(0, 1, "late")}, 1)
	if ok {
		t.Fatal("expected merge on destroyed session to report false")
	}
	if !upd.Empty() {
		t.Fatalf("expected zero update, got %+v", upd)
	}
	if store.Len() != 0 {
		t.Fatalf("expected no sessions, got %d", store.Len())
	}
}

func TestCreateResetsExistingSession(t *testing.T) {
	store := NewStore()
	store.Create("c")
	store.MergeChunk("c", []protocol.Segment{seg(0, 1, "before")}, 1)
	store.Create("c")
	snap, ok := store.Snapshot("c")
	if !ok {
		t.Fatal("expected session")
	}
	if snap.Text != "" || snap.Offset != 0 || len(snap.Segments) != 0 {
		t.Fatalf("expected reset state, got %+v", snap)
	}
}

func TestLongestText(t *testing.T) {
	store := NewStore()
	if _, ok := store.LongestText(); ok {
		t.Fatal("expected no text without sessions")
	}
	for id, text := range map[string]string{"a": "abcde", "b": "abcdefghijkl", "c": "abc"} {
		store.Create(id)
		store.MergeChunk(id, []protocol.Segment{seg(0, 1, text)}, 1)
	}
	text, ok := store.LongestText()
	if !ok {
		t.Fatal("expected text")
	}
	if len(text) != 12 {
		t.Fatalf("expected 12-char text, got %q", text)
	}
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	store := NewStore()
	const sessions = 8
	const chunks = 50

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("s%d", i)
		store.Create(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < chunks; j++ {
				store.MergeChunk(id, []protocol.Segment{seg(0, 0.5, "x")}, 0.5)
				store.LongestText()
			}
		}()
	}
	wg.Wait()

	for i := 0; i < sessions; i++ {
		snap, _ := store.Snapshot(fmt.Sprintf("s%d", i))
		if !almostEqual(snap.Offset, chunks*0.5) {
			t.Fatalf("session %d: expected offset %v, got %v", i, chunks*0.5, snap.Offset)
		}
		if got := strings.Count(snap.Text, "x"); got != chunks {
			t.Fatalf("session %d: expected %d words, got %d", i, chunks, got)
		}
	}
}
