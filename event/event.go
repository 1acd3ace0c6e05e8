package event

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
)

// Event is a single record in a guild log.
//
// The id covers {seq, prevHash, createdAt, author, body}; the signature
// covers only {body, author, createdAt}. The gap is deliberate: a relay can
// assign seq and prevHash on the sender's behalf without invalidating the
// signature, while any tampering with the assigned fields still changes the
// id.
type Event struct {
	ID        string  `json:"id"`
	Seq       int64   `json:"seq"`
	PrevHash  *string `json:"prevHash"`
	CreatedAt int64   `json:"createdAt"`
	Author    string  `json:"author"`
	Body      Body    `json:"-"`
	Signature string  `json:"signature"`
}

// eventWire mirrors Event with the body as raw JSON for (de)serialization.
type eventWire struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	PrevHash  *string         `json:"prevHash"`
	CreatedAt int64           `json:"createdAt"`
	Author    string          `json:"author"`
	Body      json.RawMessage `json:"body"`
	Signature string          `json:"signature"`
}

// MarshalJSON renders the event with its tagged body inlined.
func (e *Event) MarshalJSON() ([]byte, error) {
	body, err := MarshalBody(e.Body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventWire{
		ID:        e.ID,
		Seq:       e.Seq,
		PrevHash:  e.PrevHash,
		CreatedAt: e.CreatedAt,
		Author:    e.Author,
		Body:      body,
		Signature: e.Signature,
	})
}

// UnmarshalJSON decodes an event, resolving the body by its type tag.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	body, err := UnmarshalBody(w.Body)
	if err != nil {
		return err
	}
	*e = Event{
		ID:        w.ID,
		Seq:       w.Seq,
		PrevHash:  w.PrevHash,
		CreatedAt: w.CreatedAt,
		Author:    w.Author,
		Body:      body,
		Signature: w.Signature,
	}
	return nil
}

// unsignedForm builds the canonical value the event id hashes over. For
// GUILD_CREATE the body's guildId is blanked: the guild id IS the genesis
// event id, so it cannot participate in its own hash.
func unsignedForm(seq int64, prevHash *string, createdAt int64, author string, body Body) (map[string]interface{}, error) {
	if gc, ok := body.(*GuildCreate); ok {
		blanked := *gc
		blanked.GuildID = ""
		body = &blanked
	}
	raw, err := MarshalBody(body)
	if err != nil {
		return nil, err
	}

	var prev interface{}
	if prevHash != nil {
		prev = *prevHash
	}
	return map[string]interface{}{
		"seq":       seq,
		"prevHash":  prev,
		"createdAt": createdAt,
		"author":    author,
		"body":      raw,
	}, nil
}

// ComputeEventID hashes the canonical unsigned form, excluding id and
// signature.
func ComputeEventID(e *Event) (string, error) {
	form, err := unsignedForm(e.Seq, e.PrevHash, e.CreatedAt, e.Author, e.Body)
	if err != nil {
		return "", err
	}
	return CanonicalHashHex(form)
}

// SigningDigest is the digest a client signs: SHA-256 of the canonical
// {body, author, createdAt}. Seq and prevHash are deliberately absent.
func SigningDigest(body Body, author string, createdAt int64) ([32]byte, error) {
	raw, err := MarshalBody(body)
	if err != nil {
		return [32]byte{}, err
	}
	return CanonicalHash(map[string]interface{}{
		"body":      raw,
		"author":    author,
		"createdAt": createdAt,
	})
}

// SignEvent fills in the event's signature using the keypair. The keypair's
// user id must match the event author.
func SignEvent(e *Event, k *Keypair) error {
	digest, err := SigningDigest(e.Body, e.Author, e.CreatedAt)
	if err != nil {
		return err
	}
	e.Signature = k.Sign(digest)
	return nil
}

// VerifyEvent checks the signature over {body, author, createdAt}.
func VerifyEvent(e *Event) bool {
	digest, err := SigningDigest(e.Body, e.Author, e.CreatedAt)
	if err != nil {
		return false
	}
	return VerifyDigest(e.Author, digest, e.Signature)
}

// NewGuildID computes the guild id for a genesis event composed at createdAt
// by author: the id the genesis event will carry once sequenced at 0.
func NewGuildID(body *GuildCreate, author string, createdAt int64) (string, error) {
	form, err := unsignedForm(0, nil, createdAt, author, body)
	if err != nil {
		return "", err
	}
	return CanonicalHashHex(form)
}

// NewChannelID derives a channel id from the guild, name, kind and a random
// creation salt. Uniqueness within a guild is the creator's concern; the
// reducer is last-writer-wins on the id.
func NewChannelID(guildID, name, kind string) (string, error) {
	return CanonicalHashHex(map[string]interface{}{
		"guildId": guildID,
		"name":    name,
		"kind":    kind,
		"salt":    randomHex(8),
	})
}

// NewMessageID returns a fresh random message id.
func NewMessageID() string {
	return randomHex(16)
}

func randomHex(n int) string {
	raw := make([]byte, n)
	_, _ = rand.Read(raw)
	return hex.EncodeToString(raw)
}
