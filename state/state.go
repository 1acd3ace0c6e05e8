// Package state holds the deterministic guild state reducer. Relay and
// client fold the same events through Apply and must end up with
// byte-identical serialized states; everything here is pure and
// copy-on-write.
package state

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/chainguild/cgp/event"
)

// ErrNotGenesis is returned when a state is seeded from a non-genesis event.
var ErrNotGenesis = errors.New("initial state requires a GUILD_CREATE at seq 0")

// Channel is the reduced view of one channel.
type Channel struct {
	Name      string           `json:"name"`
	Kind      string           `json:"kind"`
	Retention *event.Retention `json:"retention,omitempty"`
}

// Role is the reduced view of one role definition.
type Role struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// Member is the reduced view of one member. Roles is kept sorted so the
// serialized form is stable.
type Member struct {
	Roles    []string `json:"roles"`
	Nickname string   `json:"nickname,omitempty"`
	JoinedAt int64    `json:"joinedAt"`
}

// Ban is the reduced view of one ban.
type Ban struct {
	Reason   string `json:"reason,omitempty"`
	BannedAt int64  `json:"bannedAt"`
}

// GuildState is the structural view of a guild at some head.
type GuildState struct {
	GuildID     string              `json:"guildId"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Access      string              `json:"access"`
	OwnerID     string              `json:"ownerId"`
	CreatedAt   int64               `json:"createdAt"`
	HeadSeq     int64               `json:"headSeq"`
	HeadHash    string              `json:"headHash"`
	Channels    map[string]*Channel `json:"channels"`
	Roles       map[string]*Role    `json:"roles"`
	Members     map[string]*Member  `json:"members"`
	Bans        map[string]*Ban     `json:"bans"`
}

// RoleOwner and RoleAdmin gate the privileged event types.
const (
	RoleOwner = "owner"
	RoleAdmin = "admin"
)

// New seeds a state from a genesis event. The author becomes the permanent
// owner and its only initial member.
func New(genesis *event.Event) (*GuildState, error) {
	gc, ok := genesis.Body.(*event.GuildCreate)
	if !ok || genesis.Seq != 0 {
		return nil, ErrNotGenesis
	}

	access := gc.Access
	if access == "" {
		access = event.AccessPublic
	}

	return &GuildState{
		GuildID:     gc.GuildID,
		Name:        gc.Name,
		Description: gc.Description,
		Access:      access,
		OwnerID:     genesis.Author,
		CreatedAt:   genesis.CreatedAt,
		HeadSeq:     0,
		HeadHash:    genesis.ID,
		Channels:    map[string]*Channel{},
		Roles:       map[string]*Role{},
		Members: map[string]*Member{
			genesis.Author: {
				Roles:    []string{RoleOwner},
				JoinedAt: genesis.CreatedAt,
			},
		},
		Bans: map[string]*Ban{},
	}, nil
}

// Apply folds one event into the state and returns the successor state.
// Untouched mappings are aliased into the new value, so folding a long log
// does not copy the whole state per event. The input state is never mutated.
func (s *GuildState) Apply(ev *event.Event) *GuildState {
	next := *s
	next.HeadSeq = ev.Seq
	next.HeadHash = ev.ID

	switch b := ev.Body.(type) {
	case *event.ChannelCreate:
		channels := copyChannels(s.Channels)
		channels[b.ChannelID] = &Channel{Name: b.Name, Kind: b.Kind, Retention: b.Retention}
		next.Channels = channels

	case *event.EphemeralPolicyUpdate:
		ch, ok := s.Channels[b.ChannelID]
		if !ok {
			break
		}
		channels := copyChannels(s.Channels)
		retention := b.Retention
		channels[b.ChannelID] = &Channel{Name: ch.Name, Kind: ch.Kind, Retention: &retention}
		next.Channels = channels

	case *event.RoleAssign:
		members := copyMembers(s.Members)
		m, ok := members[b.UserID]
		if !ok {
			m = &Member{Roles: []string{}, JoinedAt: ev.CreatedAt}
		} else {
			clone := *m
			clone.Roles = append([]string(nil), m.Roles...)
			m = &clone
		}
		m.Roles = addRole(m.Roles, b.RoleID)
		members[b.UserID] = m
		next.Members = members

	case *event.RoleRevoke:
		m, ok := s.Members[b.UserID]
		if !ok || !hasRole(m.Roles, b.RoleID) {
			break
		}
		members := copyMembers(s.Members)
		clone := *m
		clone.Roles = removeRole(m.Roles, b.RoleID)
		members[b.UserID] = &clone
		next.Members = members

	case *event.BanUser:
		bans := copyBans(s.Bans)
		bans[b.UserID] = &Ban{Reason: b.Reason, BannedAt: ev.CreatedAt}
		next.Bans = bans
		if _, ok := s.Members[b.UserID]; ok {
			members := copyMembers(s.Members)
			delete(members, b.UserID)
			next.Members = members
		}

	case *event.UnbanUser:
		if _, ok := s.Bans[b.UserID]; !ok {
			break
		}
		bans := copyBans(s.Bans)
		delete(bans, b.UserID)
		next.Bans = bans

	case *event.Message, *event.EditMessage, *event.DeleteMessage:
		// Content events never touch structural state; clients render
		// message history by scanning the log.

	case *event.ForkFrom, *event.Checkpoint, *event.GuildCreate:
		// Head-only. A GUILD_CREATE past seq 0 is rejected upstream by the
		// validator; reducing it is a no-op so a hostile log cannot corrupt
		// the structural view.
	}

	return &next
}

// Serialize returns the canonical byte form of the state. Equal states
// serialize identically regardless of how they were reached.
func (s *GuildState) Serialize() ([]byte, error) {
	return event.CanonicalMarshal(s)
}

// RootHash returns the lowercase hex SHA-256 of the serialized state.
func (s *GuildState) RootHash() (string, error) {
	return event.CanonicalHashHex(s)
}

// Deserialize restores a state from a checkpoint's serialized form; the
// reducer's alternative bootstrap path.
func Deserialize(data []byte) (*GuildState, error) {
	var s GuildState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Channels == nil {
		s.Channels = map[string]*Channel{}
	}
	if s.Roles == nil {
		s.Roles = map[string]*Role{}
	}
	if s.Members == nil {
		s.Members = map[string]*Member{}
	}
	if s.Bans == nil {
		s.Bans = map[string]*Ban{}
	}
	return &s, nil
}

// Reduce folds an ordered log into a state from genesis.
func Reduce(events []*event.Event) (*GuildState, error) {
	if len(events) == 0 {
		return nil, ErrNotGenesis
	}
	s, err := New(events[0])
	if err != nil {
		return nil, err
	}
	for _, ev := range events[1:] {
		s = s.Apply(ev)
	}
	return s, nil
}

func copyChannels(in map[string]*Channel) map[string]*Channel {
	out := make(map[string]*Channel, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyMembers(in map[string]*Member) map[string]*Member {
	out := make(map[string]*Member, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyBans(in map[string]*Ban) map[string]*Ban {
	out := make(map[string]*Ban, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func addRole(roles []string, role string) []string {
	if hasRole(roles, role) {
		return roles
	}
	roles = append(roles, role)
	sort.Strings(roles)
	return roles
}

func removeRole(roles []string, role string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r != role {
			out = append(out, r)
		}
	}
	return out
}
