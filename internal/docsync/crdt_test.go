package docsync

import (
	"errors"
	"testing"
)

func insertFragment(replicaID string, seq int64, chars ...Char) Fragment {
	return Fragment{ReplicaID: replicaID, Seq: seq, Inserts: chars}
}

func charAt(replica string, clock int64, position []int32, value string) Char {
	return Char{
		ID:       CharID{Clock: clock, Replica: replica},
		Position: position,
		Value:    value,
	}
}

func TestMergeProjectsCharactersInPositionOrder(t *testing.T) {
	doc := NewDocument()
	fragment := insertFragment("alice", 1,
		charAt("alice", 2, []int32{2048}, "b"),
		charAt("alice", 1, []int32{1024}, "a"),
		charAt("alice", 3, []int32{3072}, "c"),
	)
	if err := doc.Merge(fragment); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if got := doc.Text(); got != "abc" {
		t.Fatalf("expected projection %q, got %q", "abc", got)
	}
	if doc.Clock() != 3 {
		t.Fatalf("expected clock 3, got %d", doc.Clock())
	}
}

func TestMergeConvergesRegardlessOfFragmentOrder(t *testing.T) {
	fragments := []Fragment{
		insertFragment("alice", 1,
			charAt("alice", 1, []int32{1024}, "h"),
			charAt("alice", 2, []int32{2048}, "i"),
		),
		insertFragment("bob", 1,
			charAt("bob", 1, []int32{1536}, "e"),
		),
		{ReplicaID: "alice", Seq: 2, Deletes: []CharID{{Clock: 2, Replica: "alice"}}},
	}

	forward := NewDocument()
	for _, fragment := range fragments {
		if err := forward.Merge(fragment); err != nil {
			t.Fatalf("unexpected merge error: %v", err)
		}
	}

	reversed := NewDocument()
	for i := len(fragments) - 1; i >= 0; i-- {
		if err := reversed.Merge(fragments[i]); err != nil {
			t.Fatalf("unexpected merge error: %v", err)
		}
	}

	if forward.Text() != reversed.Text() {
		t.Fatalf("replicas diverged: %q vs %q", forward.Text(), reversed.Text())
	}
	if forward.Text() != "he" {
		t.Fatalf("expected converged text %q, got %q", "he", forward.Text())
	}
}

func TestMergeIsIdempotentUnderDuplicates(t *testing.T) {
	doc := NewDocument()
	fragment := insertFragment("alice", 1,
		charAt("alice", 1, []int32{1024}, "x"),
	)
	for i := 0; i < 3; i++ {
		if err := doc.Merge(fragment); err != nil {
			t.Fatalf("unexpected merge error on pass %d: %v", i, err)
		}
	}
	if got := doc.Text(); got != "x" {
		t.Fatalf("expected single character, got %q", got)
	}
}

func TestMergeDeleteBeforeInsertLeavesTombstone(t *testing.T) {
	doc := NewDocument()
	target := CharID{Clock: 1, Replica: "alice"}

	deletion := Fragment{ReplicaID: "bob", Seq: 1, Deletes: []CharID{target}}
	if err := doc.Merge(deletion); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}

	insertion := insertFragment("alice", 1, charAt("alice", 1, []int32{1024}, "z"))
	if err := doc.Merge(insertion); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}

	if got := doc.Text(); got != "" {
		t.Fatalf("expected tombstone to suppress character, got %q", got)
	}
}

func TestMergeBreaksPositionTiesDeterministically(t *testing.T) {
	left := insertFragment("alice", 1, charAt("alice", 1, []int32{1024}, "a"))
	right := insertFragment("bob", 1, charAt("bob", 1, []int32{1024}, "b"))

	first := NewDocument()
	for _, fragment := range []Fragment{left, right} {
		if err := first.Merge(fragment); err != nil {
			t.Fatalf("unexpected merge error: %v", err)
		}
	}
	second := NewDocument()
	for _, fragment := range []Fragment{right, left} {
		if err := second.Merge(fragment); err != nil {
			t.Fatalf("unexpected merge error: %v", err)
		}
	}

	if first.Text() != second.Text() {
		t.Fatalf("tie broke differently: %q vs %q", first.Text(), second.Text())
	}
	if first.Text() != "ab" {
		t.Fatalf("expected replica tiebreak order %q, got %q", "ab", first.Text())
	}
}

func TestValidateRejectsMalformedFragments(t *testing.T) {
	cases := []struct {
		name     string
		fragment Fragment
	}{
		{"empty replica id", insertFragment("", 1, charAt("alice", 1, []int32{1}, "a"))},
		{"negative sequence", insertFragment("alice", -1, charAt("alice", 1, []int32{1}, "a"))},
		{"no operations", Fragment{ReplicaID: "alice", Seq: 1}},
		{"missing position", insertFragment("alice", 1, charAt("alice", 1, nil, "a"))},
		{"multi-rune value", insertFragment("alice", 1, charAt("alice", 1, []int32{1}, "ab"))},
		{"empty value", insertFragment("alice", 1, charAt("alice", 1, []int32{1}, ""))},
		{"invalid insert id", insertFragment("alice", 1, charAt("", 1, []int32{1}, "a"))},
		{"invalid delete id", Fragment{ReplicaID: "alice", Seq: 1, Deletes: []CharID{{Clock: -1, Replica: "bob"}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.fragment.Validate(); !errors.Is(err, ErrMalformedFragment) {
				t.Fatalf("expected ErrMalformedFragment, got %v", err)
			}
		})
	}
}

func TestMalformedFragmentDoesNotCorruptState(t *testing.T) {
	doc := NewDocument()
	if err := doc.Merge(insertFragment("alice", 1, charAt("alice", 1, []int32{1024}, "a"))); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}

	bad := insertFragment("bob", 1,
		charAt("bob", 1, []int32{2048}, "b"),
		charAt("bob", 2, nil, "c"),
	)
	if err := doc.Merge(bad); !errors.Is(err, ErrMalformedFragment) {
		t.Fatalf("expected ErrMalformedFragment, got %v", err)
	}

	if got := doc.Text(); got != "a" {
		t.Fatalf("rejected fragment mutated state: %q", got)
	}
}

func TestStateRoundTripPreservesTextAndTombstones(t *testing.T) {
	doc := NewDocument()
	if err := doc.Merge(insertFragment("alice", 1,
		charAt("alice", 1, []int32{1024}, "g"),
		charAt("alice", 2, []int32{2048}, "o"),
		charAt("alice", 3, []int32{3072}, "!"),
	)); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if err := doc.Merge(Fragment{ReplicaID: "alice", Seq: 2, Deletes: []CharID{{Clock: 3, Replica: "alice"}}}); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}

	encoded, err := doc.State()
	if err != nil {
		t.Fatalf("unexpected state error: %v", err)
	}
	restored, err := LoadState(encoded)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if restored.Text() != "go" {
		t.Fatalf("expected restored text %q, got %q", "go", restored.Text())
	}
	if restored.Clock() != doc.Clock() {
		t.Fatalf("expected clock %d, got %d", doc.Clock(), restored.Clock())
	}

	// The tombstone must survive the round trip: a late-arriving duplicate
	// of the deleted insert stays suppressed.
	if err := restored.Merge(insertFragment("alice", 1, charAt("alice", 3, []int32{3072}, "!"))); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if restored.Text() != "go" {
		t.Fatalf("tombstone lost in round trip: %q", restored.Text())
	}
}

func TestLoadStateRejectsGarbage(t *testing.T) {
	if _, err := LoadState("not-base64!!!"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for bad base64, got %v", err)
	}
	if _, err := LoadState("aGVsbG8="); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for bad json, got %v", err)
	}
}

func TestSeedFromTextReproducesText(t *testing.T) {
	doc := SeedFromText("hello", "seed")
	if got := doc.Text(); got != "hello" {
		t.Fatalf("expected seeded text %q, got %q", "hello", got)
	}
	if doc.Clock() != 5 {
		t.Fatalf("expected clock 5, got %d", doc.Clock())
	}
}

func TestSeedFromTextLeavesRoomBetweenCharacters(t *testing.T) {
	doc := SeedFromText("ab", "seed")

	position := PositionBetween(doc.chars[0].Position, doc.chars[1].Position)
	if err := doc.Merge(insertFragment("alice", 1, charAt("alice", 1, position, "x"))); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if got := doc.Text(); got != "axb" {
		t.Fatalf("expected %q, got %q", "axb", got)
	}
}

func TestPositionBetweenStaysStrictlyOrdered(t *testing.T) {
	cases := []struct {
		name  string
		left  []int32
		right []int32
	}{
		{"both boundaries", nil, nil},
		{"left boundary", nil, []int32{1024}},
		{"right boundary", []int32{1024}, nil},
		{"wide gap", []int32{1024}, []int32{2048}},
		{"adjacent", []int32{1024}, []int32{1025}},
		{"deep adjacent", []int32{1024, 7}, []int32{1024, 8}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mid := PositionBetween(tc.left, tc.right)
			if len(mid) == 0 {
				t.Fatalf("expected non-empty position")
			}
			a := Char{ID: CharID{Clock: 1, Replica: "r"}, Position: tc.left}
			b := Char{ID: CharID{Clock: 2, Replica: "r"}, Position: mid}
			c := Char{ID: CharID{Clock: 3, Replica: "r"}, Position: tc.right}
			if tc.left != nil && compareChars(a, b) >= 0 {
				t.Fatalf("midpoint %v not after left %v", mid, tc.left)
			}
			if tc.right != nil && compareChars(b, c) >= 0 {
				t.Fatalf("midpoint %v not before right %v", mid, tc.right)
			}
		})
	}
}
