package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Event body type tags.
const (
	TypeGuildCreate           = "GUILD_CREATE"
	TypeChannelCreate         = "CHANNEL_CREATE"
	TypeEphemeralPolicyUpdate = "EPHEMERAL_POLICY_UPDATE"
	TypeRoleAssign            = "ROLE_ASSIGN"
	TypeRoleRevoke            = "ROLE_REVOKE"
	TypeBanUser               = "BAN_USER"
	TypeUnbanUser             = "UNBAN_USER"
	TypeMessage               = "MESSAGE"
	TypeEditMessage           = "EDIT_MESSAGE"
	TypeDeleteMessage         = "DELETE_MESSAGE"
	TypeForkFrom              = "FORK_FROM"
	TypeCheckpoint            = "CHECKPOINT"
)

// Retention modes.
const (
	RetentionInfinite      = "infinite"
	RetentionRollingWindow = "rolling-window"
	RetentionTTL           = "ttl"
)

// Channel kinds.
const (
	ChannelText          = "text"
	ChannelVoice         = "voice"
	ChannelEphemeralText = "ephemeral-text"
)

// Guild access levels.
const (
	AccessPublic  = "public"
	AccessPrivate = "private"
)

// Retention is a channel's message lifetime policy.
type Retention struct {
	Mode    string `json:"mode"`
	Days    int64  `json:"days,omitempty"`
	Seconds int64  `json:"seconds,omitempty"`
}

// Body is the tagged union of event payloads. It is sealed so that adding a
// new event type forces the reducer and validator switches to be revisited.
type Body interface {
	// EventType returns the wire type tag.
	EventType() string
	// Guild returns the guild the body addresses.
	Guild() string

	isBody()
}

// GuildCreate declares a new guild; must be seq 0 and its GuildID must equal
// the genesis event id.
type GuildCreate struct {
	GuildID     string `json:"guildId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Access      string `json:"access"`
}

// ChannelCreate adds a channel to a guild.
type ChannelCreate struct {
	GuildID   string     `json:"guildId"`
	ChannelID string     `json:"channelId"`
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	Retention *Retention `json:"retention,omitempty"`
}

// EphemeralPolicyUpdate replaces a channel's retention policy.
type EphemeralPolicyUpdate struct {
	GuildID   string    `json:"guildId"`
	ChannelID string    `json:"channelId"`
	Retention Retention `json:"retention"`
}

// RoleAssign grants a role to a user, creating the member record if needed.
type RoleAssign struct {
	GuildID string `json:"guildId"`
	UserID  string `json:"userId"`
	RoleID  string `json:"roleId"`
}

// RoleRevoke removes a role from a member.
type RoleRevoke struct {
	GuildID string `json:"guildId"`
	UserID  string `json:"userId"`
	RoleID  string `json:"roleId"`
}

// BanUser bans a user and drops their membership.
type BanUser struct {
	GuildID string `json:"guildId"`
	UserID  string `json:"userId"`
	Reason  string `json:"reason,omitempty"`
}

// UnbanUser lifts a ban.
type UnbanUser struct {
	GuildID string `json:"guildId"`
	UserID  string `json:"userId"`
}

// Message is chat content. Content may be a Sealed payload serialized by the
// sender; the relay treats it as opaque text either way.
type Message struct {
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	ReplyTo   string `json:"replyTo,omitempty"`
}

// EditMessage replaces the rendered content of an earlier message.
type EditMessage struct {
	GuildID    string `json:"guildId"`
	ChannelID  string `json:"channelId"`
	MessageID  string `json:"messageId"`
	NewContent string `json:"newContent"`
}

// DeleteMessage tombstones an earlier message.
type DeleteMessage struct {
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
	Reason    string `json:"reason,omitempty"`
}

// ForkFrom anchors a new guild to a point in a parent guild's log.
type ForkFrom struct {
	GuildID        string `json:"guildId"`
	ParentGuildID  string `json:"parentGuildId"`
	ParentSeq      int64  `json:"parentSeq"`
	ParentRootHash string `json:"parentRootHash"`
	Note           string `json:"note,omitempty"`
}

// Checkpoint is a relay-authored snapshot of guild state at Seq-1.
type Checkpoint struct {
	GuildID  string          `json:"guildId"`
	Seq      int64           `json:"seq"`
	RootHash string          `json:"rootHash"`
	State    json.RawMessage `json:"state"`
}

func (b *GuildCreate) EventType() string           { return TypeGuildCreate }
func (b *ChannelCreate) EventType() string         { return TypeChannelCreate }
func (b *EphemeralPolicyUpdate) EventType() string { return TypeEphemeralPolicyUpdate }
func (b *RoleAssign) EventType() string            { return TypeRoleAssign }
func (b *RoleRevoke) EventType() string            { return TypeRoleRevoke }
func (b *BanUser) EventType() string               { return TypeBanUser }
func (b *UnbanUser) EventType() string             { return TypeUnbanUser }
func (b *Message) EventType() string               { return TypeMessage }
func (b *EditMessage) EventType() string           { return TypeEditMessage }
func (b *DeleteMessage) EventType() string         { return TypeDeleteMessage }
func (b *ForkFrom) EventType() string              { return TypeForkFrom }
func (b *Checkpoint) EventType() string            { return TypeCheckpoint }

func (b *GuildCreate) Guild() string           { return b.GuildID }
func (b *ChannelCreate) Guild() string         { return b.GuildID }
func (b *EphemeralPolicyUpdate) Guild() string { return b.GuildID }
func (b *RoleAssign) Guild() string            { return b.GuildID }
func (b *RoleRevoke) Guild() string            { return b.GuildID }
func (b *BanUser) Guild() string               { return b.GuildID }
func (b *UnbanUser) Guild() string             { return b.GuildID }
func (b *Message) Guild() string               { return b.GuildID }
func (b *EditMessage) Guild() string           { return b.GuildID }
func (b *DeleteMessage) Guild() string         { return b.GuildID }
func (b *ForkFrom) Guild() string              { return b.GuildID }
func (b *Checkpoint) Guild() string            { return b.GuildID }

func (b *GuildCreate) isBody()           {}
func (b *ChannelCreate) isBody()         {}
func (b *EphemeralPolicyUpdate) isBody() {}
func (b *RoleAssign) isBody()            {}
func (b *RoleRevoke) isBody()            {}
func (b *BanUser) isBody()               {}
func (b *UnbanUser) isBody()             {}
func (b *Message) isBody()               {}
func (b *EditMessage) isBody()           {}
func (b *DeleteMessage) isBody()         {}
func (b *ForkFrom) isBody()              {}
func (b *Checkpoint) isBody()            {}

// bodyRegistry maps a type tag to an allocator, so decoding an unknown type
// fails loudly instead of producing a half-filled struct.
var bodyRegistry = map[string]func() Body{
	TypeGuildCreate:           func() Body { return &GuildCreate{} },
	TypeChannelCreate:         func() Body { return &ChannelCreate{} },
	TypeEphemeralPolicyUpdate: func() Body { return &EphemeralPolicyUpdate{} },
	TypeRoleAssign:            func() Body { return &RoleAssign{} },
	TypeRoleRevoke:            func() Body { return &RoleRevoke{} },
	TypeBanUser:               func() Body { return &BanUser{} },
	TypeUnbanUser:             func() Body { return &UnbanUser{} },
	TypeMessage:               func() Body { return &Message{} },
	TypeEditMessage:           func() Body { return &EditMessage{} },
	TypeDeleteMessage:         func() Body { return &DeleteMessage{} },
	TypeForkFrom:              func() Body { return &ForkFrom{} },
	TypeCheckpoint:            func() Body { return &Checkpoint{} },
}

// MarshalBody renders a body as a JSON object with its "type" tag inlined.
func MarshalBody(b Body) (json.RawMessage, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}

	// Re-decode with UseNumber so numeric literals survive untouched on the
	// way back out.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var m map[string]interface{}
	if err = dec.Decode(&m); err != nil {
		return nil, err
	}
	m["type"] = b.EventType()

	return json.Marshal(m)
}

// UnmarshalBody decodes a JSON body by its "type" tag.
func UnmarshalBody(data json.RawMessage) (Body, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, err
	}

	alloc, ok := bodyRegistry[tag.Type]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", tag.Type)
	}

	body := alloc()
	if err := json.Unmarshal(data, body); err != nil {
		return nil, err
	}
	return body, nil
}
