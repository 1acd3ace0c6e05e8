package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelStoreContract(t *testing.T) {
	st, err := NewLevelStore(t.TempDir() + "/db")
	require.NoError(t, err)
	defer st.Close()
	testStoreContract(t, st)
}

func TestLevelStoreReopen(t *testing.T) {
	path := t.TempDir() + "/db"

	st, err := NewLevelStore(path)
	require.NoError(t, err)
	for _, ev := range stubLog("g1", 3) {
		require.NoError(t, st.Append("g1", ev))
	}
	require.NoError(t, st.Close())

	st, err = NewLevelStore(path)
	require.NoError(t, err)
	defer st.Close()

	log, err := st.GetLog("g1")
	require.NoError(t, err)
	require.Len(t, log, 3)

	last, err := st.GetLastEvent("g1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), last.Seq)
	assert.Equal(t, "id-2", last.ID)
}
