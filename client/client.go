// Package client implements a cgp/0.1 client: a websocket connection to a
// relay, a verifying per-guild log replica and signing publish helpers.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chainguild/cgp/event"
	"github.com/chainguild/cgp/relay"
	"github.com/chainguild/cgp/state"
)

// Reconnect backoff bounds.
const (
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second
)

// ErrNotConnected is returned by publishes before a successful handshake.
var ErrNotConnected = errors.New("client is not connected")

// Handler receives every event accepted into a replica, in log order.
type Handler func(guildID string, ev *event.Event)

// Replica is a client's verified copy of one guild log.
type Replica struct {
	Events []*event.Event
	State  *state.GuildState
}

// Head returns the replica's head seq and hash.
func (r *Replica) Head() (int64, string) {
	return r.State.HeadSeq, r.State.HeadHash
}

// Client connects to one relay, replays guild logs into verified replicas
// and signs outbound events with its keypair. Every inbound event is
// re-verified; the relay is trusted for ordering, never for content.
type Client struct {
	url     string
	keypair *event.Keypair
	log     zerolog.Logger

	conn    *websocket.Conn
	wsMutex sync.Mutex

	mu       sync.RWMutex
	replicas map[string]*Replica
	wanted   map[string]bool
	seen     *seenSet
	relayID  string
	handlers []Handler
	peers    []Peer

	closing int32
	done    chan struct{}
}

// New builds a client for the given websocket URL, signing as keypair.
func New(url string, keypair *event.Keypair, log zerolog.Logger) *Client {
	return &Client{
		url:      url,
		keypair:  keypair,
		log:      log.With().Str("component", "client").Str("user", keypair.UserID()).Logger(),
		replicas: make(map[string]*Replica),
		wanted:   make(map[string]bool),
		seen:     newSeenSet(),
		done:     make(chan struct{}),
	}
}

// UserID returns the client's signing identity.
func (c *Client) UserID() string {
	return c.keypair.UserID()
}

// RelayID returns the relay identity learned from the handshake.
func (c *Client) RelayID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.relayID
}

// OnEvent registers a handler for accepted events.
func (c *Client) OnEvent(h Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// Connect dials the relay, completes the handshake and starts the read loop
// with automatic reconnection.
func (c *Client) Connect() error {
	if err := c.dial(); err != nil {
		return err
	}
	go c.readLoop()
	return nil
}

func (c *Client) dial() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}

	raw, err := relay.EncodeFrame(relay.FrameHello, relay.HelloPayload{Protocol: relay.ProtocolVersion})
	if err != nil {
		conn.Close()
		return err
	}
	if err = conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		conn.Close()
		return err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return err
	}
	kind, payload, werr := relay.DecodeFrame(data)
	if werr != nil {
		conn.Close()
		return werr
	}
	if kind == relay.FrameError {
		var ep relay.ErrorPayload
		json.Unmarshal(payload, &ep)
		conn.Close()
		return fmt.Errorf("handshake rejected: %s: %s", ep.Code, ep.Reason)
	}
	if kind != relay.FrameHelloOK {
		conn.Close()
		return fmt.Errorf("expected HELLO_OK, got %s", kind)
	}
	var ok relay.HelloOKPayload
	if err = json.Unmarshal(payload, &ok); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.relayID = ok.RelayID
	c.mu.Unlock()

	c.wsMutex.Lock()
	c.conn = conn
	c.wsMutex.Unlock()

	c.log.Info().Str("relay", ok.RelayID).Msg("connected")
	return nil
}

// Close shuts the connection down and stops reconnecting.
func (c *Client) Close() {
	if !atomic.CompareAndSwapInt32(&c.closing, 0, 1) {
		return
	}
	c.wsMutex.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.wsMutex.Unlock()
	<-c.done
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		c.wsMutex.Lock()
		conn := c.conn
		c.wsMutex.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			if atomic.LoadInt32(&c.closing) == 1 {
				return
			}
			if !c.reconnect() {
				return
			}
			continue
		}

		kind, payload, werr := relay.DecodeFrame(data)
		if werr != nil {
			c.log.Warn().Err(werr).Msg("bad frame from relay")
			continue
		}

		switch kind {
		case relay.FrameEvent:
			var ev event.Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				c.log.Warn().Err(err).Msg("bad EVENT payload")
				continue
			}
			c.ingest(ev.Body.Guild(), &ev)
		case relay.FrameSnapshot:
			var sp relay.SnapshotPayload
			if err := json.Unmarshal(payload, &sp); err != nil {
				c.log.Warn().Err(err).Msg("bad SNAPSHOT payload")
				continue
			}
			c.applySnapshot(&sp)
		case relay.FrameError:
			var ep relay.ErrorPayload
			json.Unmarshal(payload, &ep)
			c.log.Warn().Str("code", ep.Code).Str("reason", ep.Reason).Msg("relay error")
		default:
			c.log.Warn().Str("kind", kind).Msg("unexpected frame")
		}
	}
}

// reconnect redials with exponential backoff, then replays the handshake and
// resubscribes from each replica's head. Returns false once Close is called.
func (c *Client) reconnect() bool {
	wait := backoffBase
	for {
		if atomic.LoadInt32(&c.closing) == 1 {
			return false
		}
		c.log.Warn().Dur("wait", wait).Msg("connection lost, reconnecting")
		time.Sleep(wait)
		if wait *= 2; wait > backoffCap {
			wait = backoffCap
		}

		if err := c.dial(); err != nil {
			c.log.Warn().Err(err).Msg("reconnect failed")
			continue
		}

		c.mu.RLock()
		guilds := make([]string, 0, len(c.wanted))
		for g := range c.wanted {
			guilds = append(guilds, g)
		}
		c.mu.RUnlock()
		for _, g := range guilds {
			c.sendSub(g)
		}
		return true
	}
}

// Subscribe follows a guild's log. The relay answers with a snapshot from
// the replica's head (or from genesis for a fresh guild) and then streams
// live events.
func (c *Client) Subscribe(guildID string) error {
	c.mu.Lock()
	c.wanted[guildID] = true
	c.mu.Unlock()
	return c.sendSub(guildID)
}

// Unsubscribe stops following a guild. The replica is kept. The client uses
// the guild id as its sub id, one subscription per guild.
func (c *Client) Unsubscribe(guildID string) error {
	c.mu.Lock()
	delete(c.wanted, guildID)
	c.mu.Unlock()
	return c.sendFrame(relay.FrameUnsub, relay.UnsubPayload{SubID: guildID})
}

func (c *Client) sendSub(guildID string) error {
	var fromSeq int64
	c.mu.RLock()
	if r, ok := c.replicas[guildID]; ok {
		fromSeq = r.State.HeadSeq + 1
	}
	c.mu.RUnlock()
	return c.sendFrame(relay.FrameSub, relay.SubPayload{GuildID: guildID, FromSeq: fromSeq})
}

// Replica returns the current replica for a guild, or nil.
func (c *Client) Replica(guildID string) *Replica {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.replicas[guildID]
}

// State returns the replica's reduced state for a guild, or nil.
func (c *Client) State(guildID string) *state.GuildState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.replicas[guildID]; ok {
		return r.State
	}
	return nil
}

// ingest admits one live event into the replica: dedup, verify, chain-link,
// apply. A seq or hash discontinuity triggers a full resync.
func (c *Client) ingest(guildID string, ev *event.Event) {
	if ev == nil {
		return
	}

	c.mu.Lock()
	if c.seen.Has(ev.ID) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// Only verified events enter the dedup window; a forged event stamped
	// with a legitimate id must not shadow the real one.
	if !verifyEvent(ev) {
		c.log.Warn().Str("guild", guildID).Int64("seq", ev.Seq).Msg("dropping unverifiable event")
		return
	}

	c.mu.Lock()
	if !c.seen.Add(ev.ID) {
		c.mu.Unlock()
		return
	}
	r, ok := c.replicas[guildID]
	switch {
	case !ok && ev.Seq == 0:
		gc, isGenesis := ev.Body.(*event.GuildCreate)
		if !isGenesis || gc.GuildID != ev.ID || gc.GuildID != guildID {
			c.mu.Unlock()
			c.log.Warn().Str("guild", guildID).Msg("dropping bogus genesis")
			return
		}
		st, err := state.New(ev)
		if err != nil {
			c.mu.Unlock()
			c.log.Warn().Err(err).Msg("dropping bogus genesis")
			return
		}
		c.replicas[guildID] = &Replica{Events: []*event.Event{ev}, State: st}
	case ok && ev.Seq == r.State.HeadSeq+1 && ev.PrevHash != nil && *ev.PrevHash == r.State.HeadHash:
		r.Events = append(r.Events, ev)
		r.State = r.State.Apply(ev)
	case ok && ev.Seq <= r.State.HeadSeq:
		// Replay of an event older than the seen window; already folded.
		c.mu.Unlock()
		return
	default:
		c.mu.Unlock()
		c.log.Warn().Str("guild", guildID).Int64("seq", ev.Seq).Msg("gap detected, resyncing")
		c.sendFrame(relay.FrameSub, relay.SubPayload{GuildID: guildID, FromSeq: 0})
		return
	}
	c.mu.Unlock()

	c.deliver(guildID, ev)
}

// applySnapshot folds a snapshot into the replica. A snapshot from genesis
// replaces the replica wholesale after chain validation and head pinning;
// an incremental snapshot is ingested event by event.
func (c *Client) applySnapshot(sp *relay.SnapshotPayload) {
	if len(sp.Events) == 0 {
		return
	}
	if sp.Events[0].Seq != 0 {
		for _, ev := range sp.Events {
			c.ingest(sp.GuildID, ev)
		}
		return
	}

	if err := event.ValidatePrunedChain(sp.Events); err != nil {
		c.log.Warn().Err(err).Str("guild", sp.GuildID).Msg("rejecting snapshot")
		return
	}

	st, err := state.Reduce(sp.Events)
	if err != nil {
		c.log.Warn().Err(err).Str("guild", sp.GuildID).Msg("rejecting snapshot")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Head pinning: a relay cannot rewrite history below a head this client
	// has already accepted.
	if old, ok := c.replicas[sp.GuildID]; ok {
		if st.HeadSeq < old.State.HeadSeq {
			c.log.Warn().Str("guild", sp.GuildID).Msg("rejecting snapshot behind pinned head")
			return
		}
		for _, ev := range sp.Events {
			if ev.Seq == old.State.HeadSeq && ev.ID != old.State.HeadHash {
				c.log.Warn().Str("guild", sp.GuildID).Msg("rejecting snapshot that rewrites pinned head")
				return
			}
		}
	}

	for _, ev := range sp.Events {
		c.seen.Add(ev.ID)
	}
	c.replicas[sp.GuildID] = &Replica{Events: sp.Events, State: st}
	c.log.Info().Str("guild", sp.GuildID).Int64("head", st.HeadSeq).Int("events", len(sp.Events)).Msg("replica rebuilt from snapshot")
}

func (c *Client) deliver(guildID string, ev *event.Event) {
	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers...)
	peers := append([]Peer(nil), c.peers...)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(guildID, ev)
	}
	for _, p := range peers {
		p.Deliver(guildID, ev)
	}
}

// verifyEvent recomputes the id and checks the signature.
func verifyEvent(ev *event.Event) bool {
	id, err := event.ComputeEventID(ev)
	if err != nil || id != ev.ID {
		return false
	}
	return event.VerifyEvent(ev)
}

func (c *Client) sendFrame(kind string, payload interface{}) error {
	raw, err := relay.EncodeFrame(kind, payload)
	if err != nil {
		return err
	}
	c.wsMutex.Lock()
	defer c.wsMutex.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// publishBody signs a body and submits it for sequencing.
func (c *Client) publishBody(body event.Body, createdAt int64) error {
	digest, err := event.SigningDigest(body, c.UserID(), createdAt)
	if err != nil {
		return err
	}
	raw, err := event.MarshalBody(body)
	if err != nil {
		return err
	}
	return c.sendFrame(relay.FramePublish, relay.PublishPayload{
		Body:      raw,
		Author:    c.UserID(),
		CreatedAt: createdAt,
		Signature: c.keypair.Sign(digest),
	})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// CreateGuild publishes a genesis event and returns the new guild id.
func (c *Client) CreateGuild(name, description, access string) (string, error) {
	createdAt := nowMillis()
	body := &event.GuildCreate{Name: name, Description: description, Access: access}
	guildID, err := event.NewGuildID(body, c.UserID(), createdAt)
	if err != nil {
		return "", err
	}
	body.GuildID = guildID
	if err = c.publishBody(body, createdAt); err != nil {
		return "", err
	}
	return guildID, nil
}

// CreateChannel publishes a CHANNEL_CREATE and returns the new channel id.
func (c *Client) CreateChannel(guildID, name, kind string, retention *event.Retention) (string, error) {
	channelID, err := event.NewChannelID(guildID, name, kind)
	if err != nil {
		return "", err
	}
	body := &event.ChannelCreate{
		GuildID:   guildID,
		ChannelID: channelID,
		Name:      name,
		Kind:      kind,
		Retention: retention,
	}
	if err = c.publishBody(body, nowMillis()); err != nil {
		return "", err
	}
	return channelID, nil
}

// SendMessage publishes a MESSAGE and returns its message id.
func (c *Client) SendMessage(guildID, channelID, content, replyTo string) (string, error) {
	body := &event.Message{
		GuildID:   guildID,
		ChannelID: channelID,
		MessageID: event.NewMessageID(),
		Content:   content,
		ReplyTo:   replyTo,
	}
	if err := c.publishBody(body, nowMillis()); err != nil {
		return "", err
	}
	return body.MessageID, nil
}

// SendSealedMessage encrypts content to the recipient's key over the shared
// ECDH secret and publishes the sealed envelope as the message content.
func (c *Client) SendSealedMessage(guildID, channelID, recipientID, content string) (string, error) {
	secret, err := c.keypair.SharedSecret(recipientID)
	if err != nil {
		return "", err
	}
	sealed, err := event.Seal(secret, []byte(content))
	if err != nil {
		return "", err
	}
	envelope, err := json.Marshal(sealed)
	if err != nil {
		return "", err
	}
	return c.SendMessage(guildID, channelID, string(envelope), "")
}

// OpenSealedMessage decrypts a sealed envelope sent by senderID.
func (c *Client) OpenSealedMessage(senderID, content string) (string, error) {
	var sealed event.Sealed
	if err := json.Unmarshal([]byte(content), &sealed); err != nil {
		return "", err
	}
	secret, err := c.keypair.SharedSecret(senderID)
	if err != nil {
		return "", err
	}
	plain, err := event.OpenSealed(secret, &sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// EditMessage publishes an EDIT_MESSAGE.
func (c *Client) EditMessage(guildID, channelID, messageID, newContent string) error {
	return c.publishBody(&event.EditMessage{
		GuildID:    guildID,
		ChannelID:  channelID,
		MessageID:  messageID,
		NewContent: newContent,
	}, nowMillis())
}

// DeleteMessage publishes a DELETE_MESSAGE tombstone.
func (c *Client) DeleteMessage(guildID, channelID, messageID, reason string) error {
	return c.publishBody(&event.DeleteMessage{
		GuildID:   guildID,
		ChannelID: channelID,
		MessageID: messageID,
		Reason:    reason,
	}, nowMillis())
}

// AssignRole publishes a ROLE_ASSIGN.
func (c *Client) AssignRole(guildID, userID, roleID string) error {
	return c.publishBody(&event.RoleAssign{GuildID: guildID, UserID: userID, RoleID: roleID}, nowMillis())
}

// RevokeRole publishes a ROLE_REVOKE.
func (c *Client) RevokeRole(guildID, userID, roleID string) error {
	return c.publishBody(&event.RoleRevoke{GuildID: guildID, UserID: userID, RoleID: roleID}, nowMillis())
}

// BanUser publishes a BAN_USER.
func (c *Client) BanUser(guildID, userID, reason string) error {
	return c.publishBody(&event.BanUser{GuildID: guildID, UserID: userID, Reason: reason}, nowMillis())
}

// UnbanUser publishes an UNBAN_USER.
func (c *Client) UnbanUser(guildID, userID string) error {
	return c.publishBody(&event.UnbanUser{GuildID: guildID, UserID: userID}, nowMillis())
}

// UpdateRetention publishes an EPHEMERAL_POLICY_UPDATE for a channel.
func (c *Client) UpdateRetention(guildID, channelID string, retention event.Retention) error {
	return c.publishBody(&event.EphemeralPolicyUpdate{
		GuildID:   guildID,
		ChannelID: channelID,
		Retention: retention,
	}, nowMillis())
}

// ForkGuild publishes a genesis for a new guild anchored to a parent log
// position, then records the anchor with a FORK_FROM in the new guild.
func (c *Client) ForkGuild(name, description, access, parentGuildID string) (string, error) {
	parent := c.Replica(parentGuildID)
	if parent == nil {
		return "", fmt.Errorf("no replica for parent guild %s", parentGuildID)
	}
	parentRoot, err := parent.State.RootHash()
	if err != nil {
		return "", err
	}

	guildID, err := c.CreateGuild(name, description, access)
	if err != nil {
		return "", err
	}
	err = c.publishBody(&event.ForkFrom{
		GuildID:        guildID,
		ParentGuildID:  parentGuildID,
		ParentSeq:      parent.State.HeadSeq,
		ParentRootHash: parentRoot,
	}, nowMillis())
	if err != nil {
		return "", err
	}
	return guildID, nil
}
