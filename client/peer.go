package client

import (
	"github.com/chainguild/cgp/event"
)

// Peer receives events a client has verified and accepted. Peering lets
// clients propagate events to each other without every participant holding
// a relay connection.
type Peer interface {
	Deliver(guildID string, ev *event.Event)
}

// AddPeer registers a gossip target. Every accepted event is forwarded once;
// the receiving side's seen window stops echo loops.
func (c *Client) AddPeer(p Peer) {
	c.mu.Lock()
	c.peers = append(c.peers, p)
	c.mu.Unlock()
}

// Deliver ingests an event from a peer. The event passes the same dedup,
// verification and chain-link checks as a relay delivery; a gap falls back
// to a relay resync since peers cannot serve snapshots.
func (c *Client) Deliver(guildID string, ev *event.Event) {
	c.ingest(guildID, ev)
}
