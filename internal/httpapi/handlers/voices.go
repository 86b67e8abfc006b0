package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/tomodachi-api/internal/agent"
	"github.com/suPer8Hu/tomodachi-api/internal/common"
	"github.com/suPer8Hu/tomodachi-api/internal/httpapi/middleware"
)

// ListVoices pages the platform catalogue locally; the platform returns it whole.
func (h *Handler) ListVoices(c *gin.Context) {
	page, limit := pageQuery(c, 10)
	voices, err := h.Voices.ListVoices(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	start := min((page-1)*limit, len(voices))
	end := min(start+limit, len(voices))
	common.OK(c, listResponse{Items: voices[start:end], Page: common.NewPage(page, limit, int64(len(voices)))})
}

func (h *Handler) GetVoice(c *gin.Context) {
	v, err := h.Voices.GetVoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, v)
}

type ttsReq struct {
	Text    string `json:"text" binding:"required,max=5000"`
	AgentID string `json:"agent_id" binding:"required"`
}

// TextToSpeech speaks text in the voice of one of the caller's agents.
func (h *Handler) TextToSpeech(c *gin.Context) {
	var req ttsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "text and agent_id required")
		return
	}
	a, err := h.AgentRepo.Get(c.Request.Context(), req.AgentID, middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	if a.VoiceID == "" {
		common.Fail(c, http.StatusBadRequest, 40002, "agent has no voice")
		return
	}
	audio, err := h.Voices.TextToSpeech(c.Request.Context(), a.VoiceID, req.Text)
	if err != nil {
		fail(c, err)
		return
	}
	defer audio.Close()

	c.Header("Content-Type", "audio/mpeg")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, audio); err != nil {
		slog.Warn("tts stream interrupted", "agent_id", a.ID, "err", err)
	}
}

type promptTemplateReq struct {
	Name        string   `json:"name" binding:"required"`
	Role        string   `json:"role" binding:"required"`
	Template    string   `json:"template"`
	Personality []string `json:"personality"`
}

func (h *Handler) PromptTemplate(c *gin.Context) {
	var req promptTemplateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "name and role required")
		return
	}
	role := agent.Role(strings.ToUpper(req.Role))
	if !role.Valid() {
		badRequest(c, "unknown role")
		return
	}

	if req.Template == "custom" {
		common.OK(c, gin.H{"prompt": agent.CustomPrompt(req.Name, req.Personality, role)})
		return
	}
	prompt, err := agent.TemplatePrompt(req.Name, role)
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"prompt": prompt})
}
