package state

import (
	"fmt"

	"github.com/chainguild/cgp/event"
)

// ValidateEvent is the permission predicate the relay runs between signature
// verification and append. state is the guild state at ev.Seq-1. relayID,
// when non-empty, is the relay key that checkpoints must be authored by.
func ValidateEvent(s *GuildState, ev *event.Event, relayID string) error {
	switch b := ev.Body.(type) {
	case *event.GuildCreate:
		return fmt.Errorf("GUILD_CREATE is only valid as the genesis event")

	case *event.ChannelCreate, *event.RoleAssign, *event.RoleRevoke,
		*event.BanUser, *event.UnbanUser, *event.EphemeralPolicyUpdate:
		if !isPrivileged(s, ev.Author) {
			return fmt.Errorf("author %s lacks permission for %s", ev.Author, ev.Body.EventType())
		}

	case *event.Message:
		if _, ok := s.Channels[b.ChannelID]; !ok {
			return fmt.Errorf("unknown channel %s", b.ChannelID)
		}
		if _, banned := s.Bans[ev.Author]; banned {
			return fmt.Errorf("author %s is banned", ev.Author)
		}
		if s.Access == event.AccessPrivate {
			if _, member := s.Members[ev.Author]; !member {
				return fmt.Errorf("author %s lacks permission to message a private guild", ev.Author)
			}
		}

	case *event.Checkpoint:
		if relayID != "" && ev.Author != relayID {
			return fmt.Errorf("checkpoint author %s is not the relay key", ev.Author)
		}
		root, err := s.RootHash()
		if err != nil {
			return err
		}
		if b.RootHash != root {
			return fmt.Errorf("checkpoint rootHash %s does not match state root %s", b.RootHash, root)
		}

	case *event.EditMessage, *event.DeleteMessage, *event.ForkFrom:
		// Unrestricted beyond chain rules.
	}

	return nil
}

// isPrivileged reports whether the author may issue structural events:
// the owner, or any member holding the owner or admin role.
func isPrivileged(s *GuildState, author string) bool {
	if author == s.OwnerID {
		return true
	}
	m, ok := s.Members[author]
	if !ok {
		return false
	}
	return hasRole(m.Roles, RoleOwner) || hasRole(m.Roles, RoleAdmin)
}
