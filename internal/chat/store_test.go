package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndHistory(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC()
	for _, text := range []string{"a", "b", "c"} {
		_, err := s.Append(1, "alice", text, now)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, s.Len())

	last2 := s.History(2)
	require.Len(t, last2, 2)
	assert.Equal(t, "b", last2[0].Text)
	assert.Equal(t, "c", last2[1].Text)

	all := s.History(0)
	assert.Len(t, all, 3)
	assert.NotEmpty(t, all[0].ID)
}

func TestHistoryLimitBeyondSize(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Append(2, "bob", "only one", time.Now().UTC())
	require.NoError(t, err)

	assert.Len(t, s.History(10), 1)
}

func TestReopenKeepsMessages(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(dir)
	require.NoError(t, err)
	msg, err := s.Append(3, "carol", "persisted", time.Now().UTC())
	require.NoError(t, err)

	reopened, err := NewStore(dir)
	require.NoError(t, err)
	require.Equal(t, 1, reopened.Len())
	got := reopened.History(1)[0]
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "persisted", got.Text)
	assert.Equal(t, "carol", got.Username)
}
