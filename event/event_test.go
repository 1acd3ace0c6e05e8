package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGenesis(t *testing.T, kp *Keypair, name string) *Event {
	t.Helper()
	createdAt := int64(1700000000000)
	body := &GuildCreate{Name: name, Access: AccessPublic}
	guildID, err := NewGuildID(body, kp.UserID(), createdAt)
	require.NoError(t, err)
	body.GuildID = guildID

	ev := &Event{Seq: 0, CreatedAt: createdAt, Author: kp.UserID(), Body: body}
	ev.ID, err = ComputeEventID(ev)
	require.NoError(t, err)
	require.NoError(t, SignEvent(ev, kp))
	return ev
}

func testAppend(t *testing.T, kp *Keypair, prev *Event, body Body) *Event {
	t.Helper()
	prevID := prev.ID
	ev := &Event{
		Seq:       prev.Seq + 1,
		PrevHash:  &prevID,
		CreatedAt: prev.CreatedAt + 1000,
		Author:    kp.UserID(),
		Body:      body,
	}
	var err error
	ev.ID, err = ComputeEventID(ev)
	require.NoError(t, err)
	require.NoError(t, SignEvent(ev, kp))
	return ev
}

func TestGenesisGuildIDEqualsEventID(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	genesis := testGenesis(t, kp, "lounge")
	gc := genesis.Body.(*GuildCreate)
	assert.Equal(t, genesis.ID, gc.GuildID)
	assert.True(t, VerifyEvent(genesis))
}

func TestSignatureSurvivesSequencing(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	genesis := testGenesis(t, kp, "lounge")
	body := &Message{
		GuildID:   genesis.ID,
		ChannelID: "ch",
		MessageID: NewMessageID(),
		Content:   "hi",
	}

	// The sender signs before seq and prevHash exist.
	createdAt := int64(1700000001000)
	digest, err := SigningDigest(body, kp.UserID(), createdAt)
	require.NoError(t, err)
	sig := kp.Sign(digest)

	prevID := genesis.ID
	ev := &Event{Seq: 1, PrevHash: &prevID, CreatedAt: createdAt, Author: kp.UserID(), Body: body, Signature: sig}
	ev.ID, err = ComputeEventID(ev)
	require.NoError(t, err)
	assert.True(t, VerifyEvent(ev))

	// A different assigned position keeps the signature but changes the id.
	moved := *ev
	moved.Seq = 5
	movedID, err := ComputeEventID(&moved)
	require.NoError(t, err)
	assert.NotEqual(t, ev.ID, movedID)
	assert.True(t, VerifyEvent(&moved))
}

func TestIDCoversAssignedFields(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	genesis := testGenesis(t, kp, "lounge")
	ev := testAppend(t, kp, genesis, &Message{
		GuildID: genesis.ID, ChannelID: "ch", MessageID: "m1", Content: "hi",
	})

	tampered := *ev
	other := "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	tampered.PrevHash = &other
	id, err := ComputeEventID(&tampered)
	require.NoError(t, err)
	assert.NotEqual(t, ev.ID, id)
}

func TestEventJSONRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	genesis := testGenesis(t, kp, "lounge")
	ev := testAppend(t, kp, genesis, &BanUser{GuildID: genesis.ID, UserID: "someone", Reason: "spam"})

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"BAN_USER"`)

	var back Event
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, ev.ID, back.ID)
	assert.Equal(t, ev.Seq, back.Seq)
	require.IsType(t, &BanUser{}, back.Body)
	assert.Equal(t, "spam", back.Body.(*BanUser).Reason)

	id, err := ComputeEventID(&back)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, id)
	assert.True(t, VerifyEvent(&back))
}

func TestUnmarshalBodyRejectsUnknownType(t *testing.T) {
	_, err := UnmarshalBody(json.RawMessage(`{"type":"SELF_DESTRUCT"}`))
	assert.Error(t, err)
}
