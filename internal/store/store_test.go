package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, Migrate(db))
}

func TestInsertAndListFrames(t *testing.T) {
	db := openTestDB(t)

	first, err := db.InsertFrame(&FrameRecord{Direction: DirOut, Payload: []byte("$GPGGA")})
	require.NoError(t, err)
	second, err := db.InsertFrame(&FrameRecord{Direction: DirIn, Payload: []byte("$GPRMC")})
	require.NoError(t, err)
	assert.Greater(t, second, first)

	frames, err := db.ListFrames(10)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	// Most recent first.
	assert.Equal(t, second, frames[0].ID)
	assert.Equal(t, DirIn, frames[0].Direction)
	assert.Equal(t, []byte("$GPRMC"), frames[0].Payload)
	assert.False(t, frames[0].RecordedAt.IsZero())
	assert.Equal(t, first, frames[1].ID)
}

func TestListFramesLimit(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 5; i++ {
		_, err := db.InsertFrame(&FrameRecord{Direction: DirIn, Payload: []byte{byte(i)}})
		require.NoError(t, err)
	}

	frames, err := db.ListFrames(3)
	require.NoError(t, err)
	assert.Len(t, frames, 3)

	// Non-positive limits fall back to the default.
	frames, err = db.ListFrames(0)
	require.NoError(t, err)
	assert.Len(t, frames, 5)
}

func TestInsertLinkEvent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.InsertLinkEvent("connected", "00:11:22:33:44:55"))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM link_events`).Scan(&n))
	assert.Equal(t, 1, n)
}
