package statusboard

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBoard(t *testing.T) (*Board, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "status", "status.json")
	b, err := Open(path)
	require.NoError(t, err)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return b, path
}

func TestIncidentLifecycle(t *testing.T) {
	b, path := openBoard(t)
	assert.True(t, b.Operational())

	in, err := b.Create("Logins failing", "", "We are looking into it.")
	require.NoError(t, err)
	assert.Equal(t, StatusInvestigating, in.Status)
	assert.Len(t, in.Updates, 1)
	assert.False(t, b.Operational())

	in, err = b.AddUpdate(in.ID, StatusIdentified, "Platform outage upstream.")
	require.NoError(t, err)
	assert.Equal(t, StatusIdentified, in.Status)

	in, err = b.Resolve(in.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, in.Status)
	require.NotNil(t, in.ResolvedAt)
	assert.Equal(t, "This incident has been resolved.", in.Updates[2].Message)
	assert.True(t, b.Operational())

	_, err = b.AddUpdate(in.ID, StatusMonitoring, "again")
	assert.ErrorIs(t, err, ErrResolved)

	assert.Empty(t, b.List(false))
	assert.Len(t, b.List(true), 1)

	reopened, err := Open(path)
	require.NoError(t, err)
	got, err := reopened.Get(in.ID)
	require.NoError(t, err)
	assert.Len(t, got.Updates, 3)
}

func TestCreateValidation(t *testing.T) {
	b, _ := openBoard(t)
	_, err := b.Create(" ", StatusInvestigating, "msg")
	assert.Error(t, err)
	_, err = b.Create("title", "bogus", "msg")
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = b.Create("title", StatusResolved, "msg")
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = b.Create("title", StatusInvestigating, "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, b.List(true))
}

func TestTimelineNewestFirst(t *testing.T) {
	b, _ := openBoard(t)
	a, err := b.Create("A", StatusInvestigating, "a1")
	require.NoError(t, err)
	c, err := b.Create("B", StatusMonitoring, "b1")
	require.NoError(t, err)
	_, err = b.AddUpdate(a.ID, StatusIdentified, "a2")
	require.NoError(t, err)

	tl := b.Timeline(0)
	require.Len(t, tl, 3)
	assert.Equal(t, "a2", tl[0].Message)
	assert.Equal(t, c.ID, tl[1].IncidentID)
	assert.Equal(t, "a1", tl[2].Message)

	assert.Len(t, b.Timeline(2), 2)

	list := b.List(false)
	require.Len(t, list, 2)
	assert.Equal(t, "B", list[0].Title)
}

func TestDelete(t *testing.T) {
	b, path := openBoard(t)
	in, err := b.Create("A", StatusInvestigating, "a1")
	require.NoError(t, err)

	require.NoError(t, b.Delete(in.ID))
	assert.ErrorIs(t, b.Delete(in.ID), ErrNotFound)
	_, err = b.Get(in.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
}

func TestOpenCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o644))
	_, err := Open(path)
	assert.Error(t, err)
}
