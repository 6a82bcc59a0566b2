package recording

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/room"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/storage"
)

func newArchiver(t *testing.T) (*Archiver, *storage.LocalStorage) {
	t.Helper()
	st, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	a := NewArchiver(st, "/recordings/")
	a.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return a, st
}

func ended(streamID, buffer string) *room.Ended {
	return &room.Ended{
		Info:           domain.StreamInfo{RoomID: "room-1", StreamID: streamID, Title: "make test", OwnerName: "alice"},
		Reason:         domain.EndReasonEnded,
		TerminalBuffer: buffer,
		ViewerCount:    3,
	}
}

func TestArchiveWritesOutputAndMeta(t *testing.T) {
	ctx := context.Background()
	a, st := newArchiver(t)

	require.NoError(t, a.Archive(ctx, ended("s-1", "$ make test\r\nok\r\n")))

	rc, err := st.Read(ctx, "recordings/room-1/s-1.log")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "$ make test\r\nok\r\n", string(body))

	meta, err := a.Meta(ctx, "room-1", "s-1")
	require.NoError(t, err)
	assert.Equal(t, "make test", meta.Stream.Title)
	assert.Equal(t, domain.EndReasonEnded, meta.Reason)
	assert.Equal(t, 3, meta.ViewerCount)
	assert.Equal(t, len("$ make test\r\nok\r\n"), meta.Bytes)
}

func TestArchiveSkipsEmptyAndRepeats(t *testing.T) {
	ctx := context.Background()
	a, st := newArchiver(t)

	require.NoError(t, a.Archive(ctx, ended("s-1", "")))
	ok, err := st.Exists(ctx, "recordings/room-1/s-1.log")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Archive(ctx, ended("s-2", "first")))
	require.NoError(t, a.Archive(ctx, ended("s-2", "second")))
	rc, err := st.Read(ctx, "recordings/room-1/s-2.log")
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "first", string(body))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	a, _ := newArchiver(t)

	recs, err := a.List(ctx, "room-1", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, a.Archive(ctx, ended("s-1", "one")))
	require.NoError(t, a.Archive(ctx, ended("s-2", "two!")))

	recs, err = a.List(ctx, "room-1", time.Hour)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	ids := []string{recs[0].StreamID, recs[1].StreamID}
	assert.ElementsMatch(t, []string{"s-1", "s-2"}, ids)
	for _, r := range recs {
		assert.Equal(t, "/"+r.Key, r.URL)
	}
}

func TestMetaMissing(t *testing.T) {
	a, _ := newArchiver(t)
	_, err := a.Meta(context.Background(), "room-1", "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
