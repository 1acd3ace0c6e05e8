package event

import (
	"errors"
	"fmt"
)

// Chain validation errors.
var (
	ErrEmptyChain    = errors.New("chain has no events")
	ErrNotGenesis    = errors.New("chain does not start with GUILD_CREATE at seq 0")
	ErrGuildMismatch = errors.New("event guildId does not match chain guild")
)

// ValidateChain checks the full per-log invariants: dense seqs from 0,
// prevHash links, recomputed ids, signatures, and guild id consistency
// (the genesis body's guildId must equal the genesis event id).
func ValidateChain(events []*Event) error {
	if len(events) == 0 {
		return ErrEmptyChain
	}

	genesis := events[0]
	gc, ok := genesis.Body.(*GuildCreate)
	if !ok || genesis.Seq != 0 || genesis.PrevHash != nil {
		return ErrNotGenesis
	}
	if gc.GuildID != genesis.ID {
		return fmt.Errorf("genesis guildId %s does not equal genesis event id %s", gc.GuildID, genesis.ID)
	}
	guildID := gc.GuildID

	for i, ev := range events {
		if ev.Seq != int64(i) {
			return fmt.Errorf("seq %d at position %d, chain is not dense", ev.Seq, i)
		}
		if i > 0 {
			if ev.PrevHash == nil || *ev.PrevHash != events[i-1].ID {
				return fmt.Errorf("event %d prevHash does not link to %s", ev.Seq, events[i-1].ID)
			}
			if _, dup := ev.Body.(*GuildCreate); dup {
				return fmt.Errorf("GUILD_CREATE at seq %d, only seq 0 may create", ev.Seq)
			}
			if ev.Body.Guild() != guildID {
				return ErrGuildMismatch
			}
		}
		if err := checkEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePrunedChain checks a log that may have had MESSAGE events removed
// by retention. Seqs must be strictly ascending starting at 0, each surviving
// event's id and signature must hold, and prevHash links are enforced only
// between adjacent seqs; absence across a gap is read as retention, not
// tampering.
func ValidatePrunedChain(events []*Event) error {
	if len(events) == 0 {
		return ErrEmptyChain
	}

	genesis := events[0]
	gc, ok := genesis.Body.(*GuildCreate)
	if !ok || genesis.Seq != 0 || genesis.PrevHash != nil {
		return ErrNotGenesis
	}
	if gc.GuildID != genesis.ID {
		return fmt.Errorf("genesis guildId %s does not equal genesis event id %s", gc.GuildID, genesis.ID)
	}
	guildID := gc.GuildID

	for i, ev := range events {
		if i > 0 {
			prev := events[i-1]
			if ev.Seq <= prev.Seq {
				return fmt.Errorf("seq %d not ascending after %d", ev.Seq, prev.Seq)
			}
			if ev.Seq == prev.Seq+1 && (ev.PrevHash == nil || *ev.PrevHash != prev.ID) {
				return fmt.Errorf("event %d prevHash does not link to adjacent %s", ev.Seq, prev.ID)
			}
			if ev.Body.Guild() != guildID {
				return ErrGuildMismatch
			}
		}
		if err := checkEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

func checkEvent(ev *Event) error {
	id, err := ComputeEventID(ev)
	if err != nil {
		return err
	}
	if id != ev.ID {
		return fmt.Errorf("event %d id mismatch: have %s, computed %s", ev.Seq, ev.ID, id)
	}
	if !VerifyEvent(ev) {
		return fmt.Errorf("event %d signature invalid", ev.Seq)
	}
	return nil
}
