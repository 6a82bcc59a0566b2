package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/recording"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
	"github.com/weiawesome/wes-io-live/terminal-service/pkg/response"
)

const recordingURLTTL = 15 * time.Minute

// RecordingLister lists archived streams of a room.
type RecordingLister interface {
	List(ctx context.Context, roomID string, expires time.Duration) ([]recording.Recording, error)
}

// RecordingsHandler lists archived terminal output. When localDir is set the
// files are served from it under urlPrefix.
type RecordingsHandler struct {
	recordings RecordingLister
	urlPrefix  string
	localDir   string
}

func NewRecordingsHandler(recordings RecordingLister, urlPrefix, localDir string) *RecordingsHandler {
	return &RecordingsHandler{recordings: recordings, urlPrefix: urlPrefix, localDir: localDir}
}

func (h *RecordingsHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/api/v1/rooms/:id/recordings", h.List)
	if h.localDir != "" {
		r.StaticFS("/"+h.urlPrefix, gin.Dir(h.localDir, false))
	}
}

func (h *RecordingsHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	recs, err := h.recordings.List(ctx, c.Param("id"), recordingURLTTL)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldRoomID, c.Param("id")).Msg("failed to list recordings")
		response.InternalError(c, "failed to list recordings")
		return
	}
	if recs == nil {
		recs = []recording.Recording{}
	}
	response.Success(c, gin.H{
		"recordings": recs,
		"total":      len(recs),
	})
}
