package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/tomodachi-api/internal/agent"
	"github.com/suPer8Hu/tomodachi-api/internal/chat"
	"github.com/suPer8Hu/tomodachi-api/internal/common"
	"github.com/suPer8Hu/tomodachi-api/internal/elevenlabs"
	"github.com/suPer8Hu/tomodachi-api/internal/httpapi/middleware"
	"github.com/suPer8Hu/tomodachi-api/internal/users"
)

// VoiceClient is the voice catalogue and speech side of the agent platform.
type VoiceClient interface {
	ListVoices(ctx context.Context) ([]elevenlabs.Voice, error)
	GetVoice(ctx context.Context, id string) (*elevenlabs.Voice, error)
	TextToSpeech(ctx context.Context, voiceID, text string) (io.ReadCloser, error)
}

type Handler struct {
	Users     *users.Service
	Agents    *agent.Service
	AgentRepo *agent.Repo
	Chat      *chat.Service
	Voices    VoiceClient
}

// listResponse is the data block of every paged list.
type listResponse struct {
	Items any `json:"items"`
	common.Page
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// fail maps service errors onto the envelope; anything unrecognised is a 500.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrValidation):
		common.Fail(c, http.StatusBadRequest, 40001, err.Error())
	case errors.Is(err, common.ErrUnauthorized):
		common.Fail(c, http.StatusUnauthorized, 40101, err.Error())
	case errors.Is(err, common.ErrInsufficientCredits):
		common.Fail(c, http.StatusPaymentRequired, 40201, "insufficient credits")
	case errors.Is(err, common.ErrForbidden):
		common.Fail(c, http.StatusForbidden, 40301, "forbidden")
	case errors.Is(err, common.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40401, err.Error())
	case errors.Is(err, common.ErrConflict):
		common.Fail(c, http.StatusConflict, 40901, err.Error())
	case errors.Is(err, common.ErrUpstream):
		slog.Warn("upstream failure", "path", c.FullPath(), "request_id", c.GetString(middleware.RequestIDKey), "err", err)
		common.Fail(c, http.StatusBadGateway, 50201, "upstream service failed")
	case errors.Is(err, common.ErrEnqueue):
		slog.Error("enqueue failure", "path", c.FullPath(), "request_id", c.GetString(middleware.RequestIDKey), "err", err)
		common.Fail(c, http.StatusServiceUnavailable, 50301, "message could not be queued, try again")
	default:
		slog.Error("request failed", "path", c.FullPath(), "request_id", c.GetString(middleware.RequestIDKey), "err", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

func badRequest(c *gin.Context, msg string) {
	common.Fail(c, http.StatusBadRequest, 10001, msg)
}

// pageQuery reads ?page and ?limit, falling back to page 1 and def items.
func pageQuery(c *gin.Context, def int) (page, limit int) {
	page, _ = strconv.Atoi(c.Query("page"))
	limit, _ = strconv.Atoi(c.Query("limit"))
	if page <= 0 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = def
	}
	return page, limit
}
