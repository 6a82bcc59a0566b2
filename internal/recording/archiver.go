// Package recording keeps the final terminal output of ended streams in
// object storage.
package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/domain"
	"github.com/weiawesome/wes-io-live/terminal-service/internal/room"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/storage"
)

const (
	outputExt = ".log"
	metaExt   = ".json"
)

// Meta is written next to each recording.
type Meta struct {
	Stream      domain.StreamInfo `json:"stream"`
	Reason      string            `json:"reason"`
	ViewerCount int               `json:"viewerCount"`
	Bytes       int               `json:"bytes"`
	EndedAt     time.Time         `json:"endedAt"`
}

// Recording is one archived stream.
type Recording struct {
	StreamID string    `json:"streamId"`
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	URL      string    `json:"url,omitempty"`
	SavedAt  time.Time `json:"savedAt"`
}

type Archiver struct {
	store  storage.Storage
	prefix string
	now    func() time.Time
}

func NewArchiver(store storage.Storage, prefix string) *Archiver {
	return &Archiver{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
	}
}

func (a *Archiver) key(roomID, streamID, ext string) string {
	return path.Join(a.prefix, roomID, streamID+ext)
}

// Archive writes the replay buffer and its metadata. An empty buffer or a
// stream already archived is skipped.
func (a *Archiver) Archive(ctx context.Context, ended *room.Ended) error {
	if ended.TerminalBuffer == "" {
		return nil
	}
	info := ended.Info
	out := a.key(info.RoomID, info.StreamID, outputExt)
	if ok, err := a.store.Exists(ctx, out); err != nil {
		return fmt.Errorf("failed to check recording: %w", err)
	} else if ok {
		return nil
	}
	if err := a.store.Write(ctx, out, strings.NewReader(ended.TerminalBuffer), int64(len(ended.TerminalBuffer)), "text/plain; charset=utf-8"); err != nil {
		return fmt.Errorf("failed to write recording: %w", err)
	}

	meta, err := json.Marshal(Meta{
		Stream:      info,
		Reason:      ended.Reason,
		ViewerCount: ended.ViewerCount,
		Bytes:       len(ended.TerminalBuffer),
		EndedAt:     a.now(),
	})
	if err != nil {
		return err
	}
	if err := a.store.Write(ctx, a.key(info.RoomID, info.StreamID, metaExt), bytes.NewReader(meta), int64(len(meta)), "application/json"); err != nil {
		return fmt.Errorf("failed to write recording metadata: %w", err)
	}

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldRoomID, info.RoomID).Str(log.FieldStreamID, info.StreamID).Int("bytes", len(ended.TerminalBuffer)).Str("key", out).Msg("archived terminal output")
	return nil
}

// List returns the recordings of roomID, newest first, each with a URL
// valid for expires.
func (a *Archiver) List(ctx context.Context, roomID string, expires time.Duration) ([]Recording, error) {
	files, err := a.store.List(ctx, path.Join(a.prefix, roomID)+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}

	var out []Recording
	for _, f := range files {
		if !strings.HasSuffix(f.Key, outputExt) {
			continue
		}
		url, err := a.store.GetURL(ctx, f.Key, expires)
		if err != nil {
			return nil, fmt.Errorf("failed to sign recording url: %w", err)
		}
		out = append(out, Recording{
			StreamID: strings.TrimSuffix(path.Base(f.Key), outputExt),
			Key:      f.Key,
			Size:     f.Size,
			URL:      url,
			SavedAt:  f.LastModified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}

// Meta reads the metadata of one recording.
func (a *Archiver) Meta(ctx context.Context, roomID, streamID string) (*Meta, error) {
	rc, err := a.store.Read(ctx, a.key(roomID, streamID, metaExt))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var m Meta
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode recording metadata: %w", err)
	}
	return &m, nil
}
