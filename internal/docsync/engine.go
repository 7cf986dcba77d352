package docsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

var (
	// ErrHandleDetached indicates the handle was already detached.
	ErrHandleDetached = errors.New("docsync: handle detached")

	errMissingSnapshots = errors.New("docsync: snapshot store is required")
)

const (
	defaultFlushBackoff  = 100 * time.Millisecond
	defaultFlushAttempts = 4
	hydrationReplicaID   = "room-directory"
)

// SnapshotStore persists and recalls the durable document fallback. The
// room directory implements it.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, roomID string) (stateB64, text string, err error)
	SaveSnapshot(ctx context.Context, roomID, stateB64, text, language string) error
}

// EngineConfig describes the dependencies of the synchronization engine.
type EngineConfig struct {
	Snapshots     SnapshotStore
	FlushBackoff  time.Duration
	FlushAttempts uint64
	Logger        *zap.Logger
}

// Engine holds one convergent document replica per active room. Room state
// is created lazily on first attach, exclusively owned by the engine, and
// freed once the last handle detaches and the projection has been flushed
// back to the snapshot store. Each room is a single merge point; separate
// rooms never contend.
type Engine struct {
	mu            sync.Mutex
	rooms         map[string]*roomState
	snapshots     SnapshotStore
	flushBackoff  time.Duration
	flushAttempts uint64
	logger        *zap.Logger
}

type roomState struct {
	mu       sync.Mutex
	roomID   string
	doc      *Document
	refs     int
	hydrated bool
}

// Handle binds one connection to a room's replica. Detach is idempotent.
type Handle struct {
	engine   *Engine
	state    *roomState
	roomID   string
	detached sync.Once
	closed   bool
	closedMu sync.Mutex
}

// NewEngine constructs the synchronization engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Snapshots == nil {
		return nil, errMissingSnapshots
	}
	backoff := cfg.FlushBackoff
	if backoff <= 0 {
		backoff = defaultFlushBackoff
	}
	attempts := cfg.FlushAttempts
	if attempts == 0 {
		attempts = defaultFlushAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		rooms:         make(map[string]*roomState),
		snapshots:     cfg.Snapshots,
		flushBackoff:  backoff,
		flushAttempts: attempts,
		logger:        logger,
	}, nil
}

// Attach binds to the room's replica, hydrating it from the durable
// snapshot on the first attach.
func (e *Engine) Attach(ctx context.Context, roomID string) (*Handle, error) {
	e.mu.Lock()
	state, ok := e.rooms[roomID]
	if !ok {
		state = &roomState{roomID: roomID}
		e.rooms[roomID] = state
	}
	state.refs++
	e.mu.Unlock()

	state.mu.Lock()
	defer state.mu.Unlock()
	if !state.hydrated {
		doc, err := e.hydrate(ctx, roomID)
		if err != nil {
			e.release(state)
			return nil, err
		}
		state.doc = doc
		state.hydrated = true
	}
	return &Handle{engine: e, state: state, roomID: roomID}, nil
}

// Submit merges a fragment into the room's replica. Merges for the same
// room are serialized on the room's mutex; malformed fragments are rejected
// before any state is touched.
func (e *Engine) Submit(handle *Handle, fragment Fragment) error {
	if handle == nil || handle.isClosed() {
		return ErrHandleDetached
	}
	if err := fragment.Validate(); err != nil {
		return err
	}
	handle.state.mu.Lock()
	defer handle.state.mu.Unlock()
	return handle.state.doc.Merge(fragment)
}

// Text returns the room's current projected text.
func (e *Engine) Text(handle *Handle) (string, error) {
	if handle == nil || handle.isClosed() {
		return "", ErrHandleDetached
	}
	handle.state.mu.Lock()
	defer handle.state.mu.Unlock()
	return handle.state.doc.Text(), nil
}

// Snapshot returns the room's serialized replica state and projected text.
// The state round-trips through LoadState, so a client holding it can merge
// later fragments against the same character identities.
func (e *Engine) Snapshot(handle *Handle) (stateB64, text string, err error) {
	if handle == nil || handle.isClosed() {
		return "", "", ErrHandleDetached
	}
	handle.state.mu.Lock()
	defer handle.state.mu.Unlock()
	return capture(handle.state.doc)
}

// Flush persists the room's current projection without detaching. Explicit
// save requests use it; the in-memory replica stays authoritative.
func (e *Engine) Flush(ctx context.Context, handle *Handle) error {
	if handle == nil || handle.isClosed() {
		return ErrHandleDetached
	}
	handle.state.mu.Lock()
	stateB64, text, err := capture(handle.state.doc)
	handle.state.mu.Unlock()
	if err != nil {
		return err
	}
	return e.snapshots.SaveSnapshot(ctx, handle.roomID, stateB64, text, "")
}

// Detach releases the handle. When the last handle for a room detaches the
// room drains: its projection is flushed to the snapshot store with
// exponential backoff and the in-memory state is freed. Duplicate detach
// signals are safe.
func (e *Engine) Detach(ctx context.Context, handle *Handle) error {
	if handle == nil {
		return nil
	}
	var detachErr error
	handle.detached.Do(func() {
		handle.setClosed()
		detachErr = e.releaseAndDrain(ctx, handle.state)
	})
	return detachErr
}

// ActiveRooms reports how many rooms currently hold in-memory state.
func (e *Engine) ActiveRooms() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rooms)
}

func (e *Engine) hydrate(ctx context.Context, roomID string) (*Document, error) {
	stateB64, text, err := e.snapshots.LoadSnapshot(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if stateB64 != "" {
		doc, err := LoadState(stateB64)
		if err == nil {
			return doc, nil
		}
		e.logger.Warn("stored document state unreadable, falling back to text",
			zap.String("room_id", roomID), zap.Error(err))
	}
	if text != "" {
		return SeedFromText(text, hydrationReplicaID), nil
	}
	return NewDocument(), nil
}

// release drops one reference without draining. Used when hydration fails.
func (e *Engine) release(state *roomState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state.refs--
	if state.refs <= 0 {
		delete(e.rooms, state.roomID)
	}
}

// releaseAndDrain keeps the room registered and its mutex held until the
// flush lands. A same-room Attach that arrives mid-drain waits on the room
// mutex and adopts the live replica; the room is removed only when no
// reference appeared while the flush was in flight.
func (e *Engine) releaseAndDrain(ctx context.Context, state *roomState) error {
	e.mu.Lock()
	state.refs--
	last := state.refs <= 0
	e.mu.Unlock()
	if !last {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.doc == nil {
		return nil
	}

	stateB64, text, err := capture(state.doc)
	if err != nil {
		e.logger.Error("document state capture failed on drain",
			zap.String("room_id", state.roomID), zap.Error(err))
		e.forget(state)
		return err
	}

	backoff := retry.WithMaxRetries(e.flushAttempts, retry.NewExponential(e.flushBackoff))
	flushErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := e.snapshots.SaveSnapshot(ctx, state.roomID, stateB64, text, ""); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if flushErr != nil {
		e.logger.Error("snapshot flush failed after retries",
			zap.String("room_id", state.roomID), zap.Error(flushErr))
	}

	e.forget(state)
	return flushErr
}

// forget removes the room from the registry unless a new reference was
// taken since the drain began. Callers hold the room mutex.
func (e *Engine) forget(state *roomState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state.refs > 0 {
		return
	}
	delete(e.rooms, state.roomID)
	state.doc = nil
	state.hydrated = false
}

func capture(doc *Document) (stateB64, text string, err error) {
	if doc == nil {
		return "", "", nil
	}
	stateB64, err = doc.State()
	if err != nil {
		return "", "", err
	}
	return stateB64, doc.Text(), nil
}

func (h *Handle) isClosed() bool {
	h.closedMu.Lock()
	defer h.closedMu.Unlock()
	return h.closed
}

func (h *Handle) setClosed() {
	h.closedMu.Lock()
	h.closed = true
	h.closedMu.Unlock()
}

// RoomID names the room this handle is attached to.
func (h *Handle) RoomID() string {
	return h.roomID
}
