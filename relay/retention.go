package relay

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainguild/cgp/event"
)

// Retainer runs the background retention and checkpoint loops. Each loop
// ticks on its own interval and skips a tick outright if the previous pass
// is still running.
type Retainer struct {
	engine *Engine
	log    zerolog.Logger

	pruneEvery      time.Duration
	checkpointEvery time.Duration

	pruning       int32
	checkpointing int32

	stop chan struct{}
	done chan struct{}
}

// NewRetainer builds a retainer over an engine. Zero intervals default to a
// minute.
func NewRetainer(engine *Engine, pruneEvery, checkpointEvery time.Duration, log zerolog.Logger) *Retainer {
	if pruneEvery <= 0 {
		pruneEvery = time.Minute
	}
	if checkpointEvery <= 0 {
		checkpointEvery = time.Minute
	}
	return &Retainer{
		engine:          engine,
		log:             log.With().Str("component", "retention").Logger(),
		pruneEvery:      pruneEvery,
		checkpointEvery: checkpointEvery,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start launches both loops.
func (r *Retainer) Start() {
	go r.run()
}

// Stop halts the loops and waits for an in-flight pass to finish.
func (r *Retainer) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Retainer) run() {
	prune := time.NewTicker(r.pruneEvery)
	checkpoint := time.NewTicker(r.checkpointEvery)
	defer prune.Stop()
	defer checkpoint.Stop()
	defer close(r.done)

	for {
		select {
		case <-r.stop:
			return
		case <-prune.C:
			if atomic.CompareAndSwapInt32(&r.pruning, 0, 1) {
				r.PrunePass(time.Now())
				atomic.StoreInt32(&r.pruning, 0)
			} else {
				r.log.Warn().Msg("prune pass still running, skipping tick")
			}
		case <-checkpoint.C:
			if atomic.CompareAndSwapInt32(&r.checkpointing, 0, 1) {
				r.CheckpointPass()
				atomic.StoreInt32(&r.checkpointing, 0)
			} else {
				r.log.Warn().Msg("checkpoint pass still running, skipping tick")
			}
		}
	}
}

// PrunePass deletes expired MESSAGE events across all guilds. Only messages
// expire: structural events are permanent, and the head event is always kept
// so the chain tip stays resolvable. An expired message sitting at the head
// therefore survives until the checkpoint loop moves the head past it.
func (r *Retainer) PrunePass(now time.Time) {
	guilds, err := r.engine.Store().GetGuildIDs()
	if err != nil {
		r.log.Error().Err(err).Msg("guild enumeration failed")
		return
	}

	for _, guildID := range guilds {
		if n, err := r.pruneGuild(guildID, now); err != nil {
			r.log.Error().Err(err).Str("guild", guildID).Msg("prune failed")
		} else if n > 0 {
			r.log.Info().Str("guild", guildID).Int("pruned", n).Msg("expired messages pruned")
		}
	}
}

func (r *Retainer) pruneGuild(guildID string, now time.Time) (int, error) {
	st, err := r.engine.StateFor(guildID)
	if err != nil || st == nil {
		return 0, err
	}

	log, err := r.engine.Store().GetLog(guildID)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, ev := range log {
		if ev.Seq == st.HeadSeq {
			continue
		}
		msg, ok := ev.Body.(*event.Message)
		if !ok {
			continue
		}
		ch, ok := st.Channels[msg.ChannelID]
		if !ok || ch.Retention == nil {
			continue
		}
		if !expired(ch.Retention, ev.CreatedAt, now) {
			continue
		}
		if err = r.engine.Store().DeleteEvent(guildID, ev.Seq); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// expired applies one retention policy to a message created at createdAt
// (unix milliseconds).
func expired(ret *event.Retention, createdAt int64, now time.Time) bool {
	age := now.Sub(time.UnixMilli(createdAt))
	switch ret.Mode {
	case event.RetentionTTL:
		return ret.Seconds > 0 && age > time.Duration(ret.Seconds)*time.Second
	case event.RetentionRollingWindow:
		return ret.Days > 0 && age > time.Duration(ret.Days)*24*time.Hour
	default:
		return false
	}
}

// CheckpointPass appends a relay-signed CHECKPOINT to every guild whose head
// is not already one. The checkpoint travels through Publish like any other
// event; if another event lands between state read and append, the root hash
// check rejects it and the next tick retries.
func (r *Retainer) CheckpointPass() {
	guilds, err := r.engine.Store().GetGuildIDs()
	if err != nil {
		r.log.Error().Err(err).Msg("guild enumeration failed")
		return
	}

	for _, guildID := range guilds {
		if err := r.checkpointGuild(guildID); err != nil {
			r.log.Error().Err(err).Str("guild", guildID).Msg("checkpoint failed")
		}
	}
}

func (r *Retainer) checkpointGuild(guildID string) error {
	head, err := r.engine.Store().GetLastEvent(guildID)
	if err != nil || head == nil {
		return err
	}
	if _, ok := head.Body.(*event.Checkpoint); ok {
		return nil
	}

	st, err := r.engine.StateFor(guildID)
	if err != nil || st == nil {
		return err
	}
	serialized, err := st.Serialize()
	if err != nil {
		return err
	}
	root, err := st.RootHash()
	if err != nil {
		return err
	}

	body := &event.Checkpoint{
		GuildID:  guildID,
		Seq:      st.HeadSeq + 1,
		RootHash: root,
		State:    serialized,
	}
	createdAt := time.Now().UnixMilli()
	keypair := r.engine.Keypair()

	digest, err := event.SigningDigest(body, keypair.UserID(), createdAt)
	if err != nil {
		return err
	}

	ev, werr := r.engine.Publish(&PublishRequest{
		Body:      body,
		Author:    keypair.UserID(),
		CreatedAt: createdAt,
		Signature: keypair.Sign(digest),
	})
	if werr != nil {
		r.log.Warn().Str("guild", guildID).Str("code", werr.Code).Str("reason", werr.Reason).Msg("checkpoint rejected, will retry")
		return nil
	}

	r.log.Info().Str("guild", guildID).Int64("seq", ev.Seq).Msg("checkpoint appended")
	return nil
}
