package docsync

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrMalformedFragment indicates a document fragment failed validation.
	// It is isolated to the sender and never corrupts shared state.
	ErrMalformedFragment = errors.New("docsync: malformed fragment")
	// ErrInvalidState indicates a serialized document state could not be decoded.
	ErrInvalidState = errors.New("docsync: invalid document state")
)

// Seeded characters are spaced out so clients can allocate positions
// between them without immediately growing the position paths.
const seedPositionStride = 1 << 10

const maxFragmentChars = 1 << 14

// CharID uniquely identifies a character across replicas.
type CharID struct {
	Clock   int64  `json:"clock"`
	Replica string `json:"replica"`
}

// Char is a single character in the replicated sequence. Position is a
// dense path: lexicographic comparison of paths, with the replica and clock
// as tiebreakers, yields the same total order on every replica.
type Char struct {
	ID       CharID  `json:"id"`
	Position []int32 `json:"pos"`
	Value    string  `json:"val"`
}

// Fragment is one replica's batch of operations. Inserts are idempotent by
// character id; deletes are tombstones by character id. Merging fragments is
// commutative, associative, and idempotent, so duplicates and reordering
// across replicas converge to the same text.
type Fragment struct {
	ReplicaID string   `json:"replica_id"`
	Seq       int64    `json:"seq"`
	Inserts   []Char   `json:"inserts,omitempty"`
	Deletes   []CharID `json:"deletes,omitempty"`
}

// Validate checks the fragment's shape before it touches shared state.
func (f Fragment) Validate() error {
	if strings.TrimSpace(f.ReplicaID) == "" {
		return fmt.Errorf("%w: empty replica id", ErrMalformedFragment)
	}
	if f.Seq < 0 {
		return fmt.Errorf("%w: negative sequence", ErrMalformedFragment)
	}
	if len(f.Inserts) == 0 && len(f.Deletes) == 0 {
		return fmt.Errorf("%w: no operations", ErrMalformedFragment)
	}
	if len(f.Inserts) > maxFragmentChars {
		return fmt.Errorf("%w: oversized insert batch", ErrMalformedFragment)
	}
	for _, ch := range f.Inserts {
		if len(ch.Position) == 0 {
			return fmt.Errorf("%w: insert without position", ErrMalformedFragment)
		}
		if ch.ID.Replica == "" || ch.ID.Clock < 0 {
			return fmt.Errorf("%w: insert with invalid id", ErrMalformedFragment)
		}
		if runeCount := len([]rune(ch.Value)); runeCount != 1 {
			return fmt.Errorf("%w: insert value must be a single character", ErrMalformedFragment)
		}
	}
	for _, id := range f.Deletes {
		if id.Replica == "" || id.Clock < 0 {
			return fmt.Errorf("%w: delete with invalid id", ErrMalformedFragment)
		}
	}
	return nil
}

// Document is one room's convergent replicated text. The zero value is not
// usable; construct with NewDocument.
type Document struct {
	chars      []Char
	seen       map[CharID]struct{}
	tombstones map[CharID]struct{}
	clock      int64
}

// NewDocument returns an empty document replica.
func NewDocument() *Document {
	return &Document{
		seen:       make(map[CharID]struct{}),
		tombstones: make(map[CharID]struct{}),
	}
}

// Merge folds a validated fragment into the document. Characters already
// seen are skipped, deletes of unseen characters are remembered as
// tombstones, so applying the same fragment twice is a no-op.
func (d *Document) Merge(fragment Fragment) error {
	if err := fragment.Validate(); err != nil {
		return err
	}
	for _, ch := range fragment.Inserts {
		if _, ok := d.seen[ch.ID]; ok {
			continue
		}
		d.insertOrdered(ch)
		d.seen[ch.ID] = struct{}{}
		if ch.ID.Clock > d.clock {
			d.clock = ch.ID.Clock
		}
	}
	for _, id := range fragment.Deletes {
		d.tombstones[id] = struct{}{}
	}
	return nil
}

// Text projects the current document text: non-tombstoned characters in
// position order.
func (d *Document) Text() string {
	var builder strings.Builder
	for _, ch := range d.chars {
		if _, deleted := d.tombstones[ch.ID]; deleted {
			continue
		}
		builder.WriteString(ch.Value)
	}
	return builder.String()
}

// Clock returns the highest character clock observed.
func (d *Document) Clock() int64 {
	return d.clock
}

type documentState struct {
	Chars      []Char   `json:"chars"`
	Tombstones []CharID `json:"tombstones"`
	Clock      int64    `json:"clock"`
}

// State serializes the replica as an opaque base64 payload suitable for the
// room directory's snapshot column.
func (d *Document) State() (string, error) {
	state := documentState{
		Chars:      d.chars,
		Tombstones: make([]CharID, 0, len(d.tombstones)),
		Clock:      d.clock,
	}
	for id := range d.tombstones {
		state.Tombstones = append(state.Tombstones, id)
	}
	sort.Slice(state.Tombstones, func(i, j int) bool {
		return compareCharIDs(state.Tombstones[i], state.Tombstones[j]) < 0
	})
	raw, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// LoadState restores a replica from a payload produced by State.
func LoadState(stateB64 string) (*Document, error) {
	raw, err := base64.StdEncoding.DecodeString(stateB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrInvalidState)
	}
	var state documentState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("%w: invalid json", ErrInvalidState)
	}

	doc := NewDocument()
	for _, ch := range state.Chars {
		if len(ch.Position) == 0 || ch.ID.Replica == "" {
			return nil, fmt.Errorf("%w: invalid character", ErrInvalidState)
		}
		if _, ok := doc.seen[ch.ID]; ok {
			continue
		}
		doc.insertOrdered(ch)
		doc.seen[ch.ID] = struct{}{}
	}
	for _, id := range state.Tombstones {
		doc.tombstones[id] = struct{}{}
	}
	doc.clock = state.Clock
	return doc, nil
}

// SeedFromText builds a replica holding the given text, attributed to the
// provided replica id. Used to hydrate rooms whose durable snapshot predates
// replicated state and only carries the text fallback.
func SeedFromText(text, replicaID string) *Document {
	doc := NewDocument()
	for i, r := range []rune(text) {
		ch := Char{
			ID:       CharID{Clock: int64(i + 1), Replica: replicaID},
			Position: []int32{int32(i+1) * seedPositionStride},
			Value:    string(r),
		}
		doc.chars = append(doc.chars, ch)
		doc.seen[ch.ID] = struct{}{}
	}
	doc.clock = int64(len(doc.chars))
	return doc
}

// PositionBetween allocates a dense position path strictly between left and
// right. Either side may be nil to denote the document boundary.
func PositionBetween(left, right []int32) []int32 {
	const (
		floor   = int32(0)
		ceiling = int32(1) << 28
	)

	out := make([]int32, 0, len(left)+1)
	for depth := 0; ; depth++ {
		lo := floor
		hi := ceiling
		if depth < len(left) {
			lo = left[depth]
		}
		if depth < len(right) {
			hi = right[depth]
		}
		if hi-lo > 1 {
			out = append(out, lo+(hi-lo)/2)
			return out
		}
		out = append(out, lo)
	}
}

func (d *Document) insertOrdered(ch Char) {
	index := sort.Search(len(d.chars), func(i int) bool {
		return compareChars(d.chars[i], ch) >= 0
	})
	d.chars = append(d.chars, Char{})
	copy(d.chars[index+1:], d.chars[index:])
	d.chars[index] = ch
}

func compareChars(a, b Char) int {
	limit := len(a.Position)
	if len(b.Position) < limit {
		limit = len(b.Position)
	}
	for i := 0; i < limit; i++ {
		if a.Position[i] != b.Position[i] {
			if a.Position[i] < b.Position[i] {
				return -1
			}
			return 1
		}
	}
	if len(a.Position) != len(b.Position) {
		if len(a.Position) < len(b.Position) {
			return -1
		}
		return 1
	}
	return compareCharIDs(a.ID, b.ID)
}

func compareCharIDs(a, b CharID) int {
	if a.Replica != b.Replica {
		if a.Replica < b.Replica {
			return -1
		}
		return 1
	}
	switch {
	case a.Clock < b.Clock:
		return -1
	case a.Clock > b.Clock:
		return 1
	default:
		return 0
	}
}
