package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainguild/cgp/event"
)

func newKeypair(t *testing.T) *event.Keypair {
	t.Helper()
	kp, err := event.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

func makeGenesis(t *testing.T, kp *event.Keypair, access string) *event.Event {
	t.Helper()
	createdAt := int64(1700000000000)
	body := &event.GuildCreate{Name: "test guild", Access: access}
	guildID, err := event.NewGuildID(body, kp.UserID(), createdAt)
	require.NoError(t, err)
	body.GuildID = guildID

	ev := &event.Event{Seq: 0, CreatedAt: createdAt, Author: kp.UserID(), Body: body}
	ev.ID, err = event.ComputeEventID(ev)
	require.NoError(t, err)
	require.NoError(t, event.SignEvent(ev, kp))
	return ev
}

func makeNext(t *testing.T, kp *event.Keypair, prev *event.Event, body event.Body) *event.Event {
	t.Helper()
	prevID := prev.ID
	ev := &event.Event{
		Seq:       prev.Seq + 1,
		PrevHash:  &prevID,
		CreatedAt: prev.CreatedAt + 1000,
		Author:    kp.UserID(),
		Body:      body,
	}
	var err error
	ev.ID, err = event.ComputeEventID(ev)
	require.NoError(t, err)
	require.NoError(t, event.SignEvent(ev, kp))
	return ev
}

func TestNewSeedsOwner(t *testing.T) {
	kp := newKeypair(t)
	genesis := makeGenesis(t, kp, "")

	st, err := New(genesis)
	require.NoError(t, err)
	assert.Equal(t, genesis.ID, st.GuildID)
	assert.Equal(t, kp.UserID(), st.OwnerID)
	assert.Equal(t, event.AccessPublic, st.Access)
	assert.Equal(t, int64(0), st.HeadSeq)
	assert.Equal(t, genesis.ID, st.HeadHash)

	owner := st.Members[kp.UserID()]
	require.NotNil(t, owner)
	assert.Equal(t, []string{RoleOwner}, owner.Roles)
}

func TestNewRejectsNonGenesis(t *testing.T) {
	kp := newKeypair(t)
	genesis := makeGenesis(t, kp, event.AccessPublic)
	msg := makeNext(t, kp, genesis, &event.Message{
		GuildID: genesis.ID, ChannelID: "ch", MessageID: "m", Content: "x",
	})

	_, err := New(msg)
	assert.ErrorIs(t, err, ErrNotGenesis)
}

func TestApplyChannelLifecycle(t *testing.T) {
	kp := newKeypair(t)
	genesis := makeGenesis(t, kp, event.AccessPublic)
	st, err := New(genesis)
	require.NoError(t, err)

	create := makeNext(t, kp, genesis, &event.ChannelCreate{
		GuildID: genesis.ID, ChannelID: "ch1", Name: "general", Kind: event.ChannelText,
	})
	st2 := st.Apply(create)
	require.Contains(t, st2.Channels, "ch1")
	assert.Nil(t, st2.Channels["ch1"].Retention)
	assert.NotContains(t, st.Channels, "ch1")

	update := makeNext(t, kp, create, &event.EphemeralPolicyUpdate{
		GuildID: genesis.ID, ChannelID: "ch1",
		Retention: event.Retention{Mode: event.RetentionTTL, Seconds: 60},
	})
	st3 := st2.Apply(update)
	require.NotNil(t, st3.Channels["ch1"].Retention)
	assert.Equal(t, int64(60), st3.Channels["ch1"].Retention.Seconds)
	assert.Equal(t, "general", st3.Channels["ch1"].Name)

	// Updating an unknown channel only moves the head.
	ghost := makeNext(t, kp, update, &event.EphemeralPolicyUpdate{
		GuildID: genesis.ID, ChannelID: "nope",
		Retention: event.Retention{Mode: event.RetentionTTL, Seconds: 1},
	})
	st4 := st3.Apply(ghost)
	assert.NotContains(t, st4.Channels, "nope")
	assert.Equal(t, ghost.Seq, st4.HeadSeq)
}

func TestApplyRoleAssignCreatesMember(t *testing.T) {
	kp := newKeypair(t)
	genesis := makeGenesis(t, kp, event.AccessPublic)
	st, err := New(genesis)
	require.NoError(t, err)

	stranger := newKeypair(t).UserID()
	assign := makeNext(t, kp, genesis, &event.RoleAssign{
		GuildID: genesis.ID, UserID: stranger, RoleID: "moderator",
	})
	st2 := st.Apply(assign)

	m := st2.Members[stranger]
	require.NotNil(t, m)
	assert.Equal(t, []string{"moderator"}, m.Roles)
	assert.Equal(t, assign.CreatedAt, m.JoinedAt)

	again := makeNext(t, kp, assign, &event.RoleAssign{
		GuildID: genesis.ID, UserID: stranger, RoleID: "admin",
	})
	st3 := st2.Apply(again)
	assert.Equal(t, []string{"admin", "moderator"}, st3.Members[stranger].Roles)

	revoke := makeNext(t, kp, again, &event.RoleRevoke{
		GuildID: genesis.ID, UserID: stranger, RoleID: "moderator",
	})
	st4 := st3.Apply(revoke)
	assert.Equal(t, []string{"admin"}, st4.Members[stranger].Roles)

	// Revoking a role the member lacks is a no-op beyond the head move.
	noop := makeNext(t, kp, revoke, &event.RoleRevoke{
		GuildID: genesis.ID, UserID: stranger, RoleID: "moderator",
	})
	st5 := st4.Apply(noop)
	assert.Equal(t, []string{"admin"}, st5.Members[stranger].Roles)
}

func TestApplyBanRemovesMember(t *testing.T) {
	kp := newKeypair(t)
	genesis := makeGenesis(t, kp, event.AccessPublic)
	st, err := New(genesis)
	require.NoError(t, err)

	target := newKeypair(t).UserID()
	join := makeNext(t, kp, genesis, &event.RoleAssign{GuildID: genesis.ID, UserID: target, RoleID: "member"})
	st = st.Apply(join)
	require.Contains(t, st.Members, target)

	ban := makeNext(t, kp, join, &event.BanUser{GuildID: genesis.ID, UserID: target, Reason: "spam"})
	st = st.Apply(ban)
	assert.NotContains(t, st.Members, target)
	require.Contains(t, st.Bans, target)
	assert.Equal(t, "spam", st.Bans[target].Reason)

	unban := makeNext(t, kp, ban, &event.UnbanUser{GuildID: genesis.ID, UserID: target})
	st = st.Apply(unban)
	assert.NotContains(t, st.Bans, target)
	assert.NotContains(t, st.Members, target)
}

func TestApplyMessageIsHeadOnly(t *testing.T) {
	kp := newKeypair(t)
	genesis := makeGenesis(t, kp, event.AccessPublic)
	st, err := New(genesis)
	require.NoError(t, err)

	msg := makeNext(t, kp, genesis, &event.Message{
		GuildID: genesis.ID, ChannelID: "ch", MessageID: "m", Content: "hello",
	})
	st2 := st.Apply(msg)
	assert.Equal(t, msg.Seq, st2.HeadSeq)
	assert.Equal(t, msg.ID, st2.HeadHash)
	assert.Equal(t, st.Channels, st2.Channels)
	assert.Equal(t, st.Members, st2.Members)
}

func TestSerializeDeterministic(t *testing.T) {
	kp := newKeypair(t)
	genesis := makeGenesis(t, kp, event.AccessPublic)

	events := []*event.Event{genesis}
	prev := genesis
	bodies := []event.Body{
		&event.ChannelCreate{GuildID: genesis.ID, ChannelID: "c1", Name: "a", Kind: event.ChannelText},
		&event.RoleAssign{GuildID: genesis.ID, UserID: newKeypair(t).UserID(), RoleID: "admin"},
		&event.Message{GuildID: genesis.ID, ChannelID: "c1", MessageID: "m1", Content: "x"},
	}
	for _, b := range bodies {
		prev = makeNext(t, kp, prev, b)
		events = append(events, prev)
	}

	a, err := Reduce(events)
	require.NoError(t, err)
	b, err := Reduce(events)
	require.NoError(t, err)

	rawA, err := a.Serialize()
	require.NoError(t, err)
	rawB, err := b.Serialize()
	require.NoError(t, err)
	assert.Equal(t, rawA, rawB)

	rootA, err := a.RootHash()
	require.NoError(t, err)
	rootB, err := b.RootHash()
	require.NoError(t, err)
	assert.Equal(t, rootA, rootB)
}

func TestDeserializeRoundTrip(t *testing.T) {
	kp := newKeypair(t)
	genesis := makeGenesis(t, kp, event.AccessPrivate)
	st, err := New(genesis)
	require.NoError(t, err)

	raw, err := st.Serialize()
	require.NoError(t, err)

	back, err := Deserialize(raw)
	require.NoError(t, err)
	rawBack, err := back.Serialize()
	require.NoError(t, err)
	assert.Equal(t, raw, rawBack)
	assert.NotNil(t, back.Channels)
	assert.NotNil(t, back.Bans)
}
