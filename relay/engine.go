package relay

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/chainguild/cgp/event"
	"github.com/chainguild/cgp/state"
	"github.com/chainguild/cgp/store"
)

// PublishRequest is a decoded, not-yet-sequenced submission.
type PublishRequest struct {
	Body      event.Body
	Author    string
	CreatedAt int64
	Signature string
}

// Engine serializes event ingest per guild. Concurrent publishes to the same
// guild queue on that guild's mutex and each sees the head left by the
// previous one; publishes to different guilds never contend.
type Engine struct {
	store   store.Store
	keypair *event.Keypair
	log     zerolog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]*state.GuildState

	broadcast func(guildID string, ev *event.Event)
	forward   func(guildID string, ev *event.Event)
}

// NewEngine builds an engine over a store, signing checkpoints with keypair.
func NewEngine(st store.Store, keypair *event.Keypair, log zerolog.Logger) *Engine {
	return &Engine{
		store:   st,
		keypair: keypair,
		log:     log.With().Str("component", "engine").Logger(),
		locks:   make(map[string]*sync.Mutex),
		states:  make(map[string]*state.GuildState),
	}
}

// SetBroadcast installs the fan-out callback, invoked once per accepted
// event while the guild lock is still held.
func (e *Engine) SetBroadcast(fn func(guildID string, ev *event.Event)) {
	e.broadcast = fn
}

// SetForward installs an optional secondary sink (the NATS bridge).
func (e *Engine) SetForward(fn func(guildID string, ev *event.Event)) {
	e.forward = fn
}

// RelayID returns the relay's signing identity.
func (e *Engine) RelayID() string {
	return e.keypair.UserID()
}

// Keypair exposes the relay's signing keypair to the checkpoint loop.
func (e *Engine) Keypair() *event.Keypair {
	return e.keypair
}

// Store exposes the backing log store for snapshot reads.
func (e *Engine) Store() store.Store {
	return e.store
}

func (e *Engine) guildLock(guildID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[guildID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[guildID] = l
	}
	return l
}

// Publish sequences, verifies, validates and appends one submission.
// Exactly one of the returns is non-nil.
func (e *Engine) Publish(req *PublishRequest) (ev *event.Event, werr *WireError) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("publish panicked")
			ev, werr = nil, NewWireError(CodeInternalError, "internal error")
		}
	}()

	if req.Body == nil {
		return nil, NewWireError(CodeInvalidFrame, "publish has no body")
	}
	guildID := req.Body.Guild()
	if guildID == "" {
		return nil, NewWireError(CodeValidationFailed, "body names no guild")
	}

	lock := e.guildLock(guildID)
	lock.Lock()
	defer lock.Unlock()

	head, err := e.store.GetLastEvent(guildID)
	if err != nil {
		e.log.Error().Err(err).Str("guild", guildID).Msg("head read failed")
		return nil, NewWireError(CodeInternalError, "head read failed")
	}

	candidate := &event.Event{
		CreatedAt: req.CreatedAt,
		Author:    req.Author,
		Body:      req.Body,
		Signature: req.Signature,
	}

	if _, isGenesis := req.Body.(*event.GuildCreate); isGenesis {
		if head != nil {
			return nil, NewWireError(CodeValidationFailed, "guild %s already exists", guildID)
		}
		candidate.Seq = 0
		candidate.PrevHash = nil
	} else {
		if head == nil {
			return nil, NewWireError(CodeValidationFailed, "unknown guild %s", guildID)
		}
		candidate.Seq = head.Seq + 1
		prev := head.ID
		candidate.PrevHash = &prev
	}

	candidate.ID, err = event.ComputeEventID(candidate)
	if err != nil {
		return nil, NewWireError(CodeValidationFailed, "uncanonical body: %v", err)
	}

	if !event.VerifyEvent(candidate) {
		return nil, NewWireError(CodeInvalidSignature, "signature does not verify for author %s", req.Author)
	}

	var st *state.GuildState
	if candidate.Seq == 0 {
		// A genesis event's declared guild id must be its own event id.
		if guildID != candidate.ID {
			return nil, NewWireError(CodeValidationFailed, "genesis guildId %s does not match event id %s", guildID, candidate.ID)
		}
		st, err = state.New(candidate)
		if err != nil {
			return nil, NewWireError(CodeValidationFailed, "%v", err)
		}
	} else {
		st, err = e.stateAt(guildID, head)
		if err != nil {
			e.log.Error().Err(err).Str("guild", guildID).Msg("state rebuild failed")
			return nil, NewWireError(CodeInternalError, "state rebuild failed")
		}
		if verr := state.ValidateEvent(st, candidate, e.RelayID()); verr != nil {
			return nil, NewWireError(CodeValidationFailed, "%v", verr)
		}
		st = st.Apply(candidate)
	}

	if err = e.store.Append(guildID, candidate); err != nil {
		e.mu.Lock()
		delete(e.states, guildID)
		e.mu.Unlock()
		e.log.Error().Err(err).Str("guild", guildID).Msg("append failed")
		return nil, NewWireError(CodeInternalError, "append failed")
	}

	e.mu.Lock()
	e.states[guildID] = st
	e.mu.Unlock()

	e.log.Debug().
		Str("guild", guildID).
		Str("type", candidate.Body.EventType()).
		Int64("seq", candidate.Seq).
		Msg("event sequenced")

	if e.broadcast != nil {
		e.broadcast(guildID, candidate)
	}
	if e.forward != nil {
		e.forward(guildID, candidate)
	}
	return candidate, nil
}

// stateAt returns the guild state whose head is the given event, reusing the
// cache when it still matches and refolding the stored log when it does not.
// Caller holds the guild lock.
func (e *Engine) stateAt(guildID string, head *event.Event) (*state.GuildState, error) {
	e.mu.Lock()
	cached := e.states[guildID]
	e.mu.Unlock()

	if cached != nil && cached.HeadSeq == head.Seq && cached.HeadHash == head.ID {
		return cached, nil
	}

	log, err := e.store.GetLog(guildID)
	if err != nil {
		return nil, err
	}
	st, err := state.Reduce(log)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.states[guildID] = st
	e.mu.Unlock()
	return st, nil
}

// StateFor returns the current state of a guild, or nil when it has no log.
func (e *Engine) StateFor(guildID string) (*state.GuildState, error) {
	lock := e.guildLock(guildID)
	lock.Lock()
	defer lock.Unlock()

	head, err := e.store.GetLastEvent(guildID)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, nil
	}
	return e.stateAt(guildID, head)
}
