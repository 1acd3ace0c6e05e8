package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainguild/cgp/event"
)

// stubEvent builds an unverified event; the store is a passive sink and
// never checks chains or signatures.
func stubEvent(seq int64, body event.Body) *event.Event {
	ev := &event.Event{
		ID:        fmt.Sprintf("id-%d", seq),
		Seq:       seq,
		CreatedAt: 1700000000000 + seq,
		Author:    "author",
		Body:      body,
	}
	if seq > 0 {
		prev := fmt.Sprintf("id-%d", seq-1)
		ev.PrevHash = &prev
	}
	return ev
}

func stubLog(guildID string, n int) []*event.Event {
	events := make([]*event.Event, 0, n)
	events = append(events, stubEvent(0, &event.GuildCreate{GuildID: guildID, Name: "g", Access: event.AccessPublic}))
	for i := 1; i < n; i++ {
		events = append(events, stubEvent(int64(i), &event.Message{
			GuildID: guildID, ChannelID: "c", MessageID: fmt.Sprintf("m-%d", i), Content: "x",
		}))
	}
	return events
}

func testStoreContract(t *testing.T, st Store) {
	t.Helper()

	ids, err := st.GetGuildIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	last, err := st.GetLastEvent("missing")
	require.NoError(t, err)
	assert.Nil(t, last)

	log, err := st.GetLog("missing")
	require.NoError(t, err)
	assert.Empty(t, log)

	for _, ev := range stubLog("g1", 5) {
		require.NoError(t, st.Append("g1", ev))
	}
	for _, ev := range stubLog("g2", 2) {
		require.NoError(t, st.Append("g2", ev))
	}

	log, err = st.GetLog("g1")
	require.NoError(t, err)
	require.Len(t, log, 5)
	for i, ev := range log {
		assert.Equal(t, int64(i), ev.Seq)
	}

	last, err = st.GetLastEvent("g1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, int64(4), last.Seq)

	ids, err = st.GetGuildIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, ids)

	// Deleting mid-log leaves a gap but keeps order.
	require.NoError(t, st.DeleteEvent("g1", 2))
	log, err = st.GetLog("g1")
	require.NoError(t, err)
	require.Len(t, log, 4)
	assert.Equal(t, []int64{0, 1, 3, 4}, []int64{log[0].Seq, log[1].Seq, log[2].Seq, log[3].Seq})

	// Deleting an absent seq is not an error.
	assert.NoError(t, st.DeleteEvent("g1", 99))

	last, err = st.GetLastEvent("g1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), last.Seq)
}

func TestMemoryStoreContract(t *testing.T) {
	st := NewMemoryStore()
	defer st.Close()
	testStoreContract(t, st)
}

func TestMemoryStoreClosed(t *testing.T) {
	st := NewMemoryStore()
	require.NoError(t, st.Close())

	assert.ErrorIs(t, st.Append("g", stubEvent(0, &event.GuildCreate{GuildID: "g"})), ErrClosed)
	_, err := st.GetLog("g")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = st.GetGuildIDs()
	assert.ErrorIs(t, err, ErrClosed)
}
