package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/tomodachi-api/internal/agent"
	"github.com/suPer8Hu/tomodachi-api/internal/common"
	"github.com/suPer8Hu/tomodachi-api/internal/elevenlabs"
	"github.com/suPer8Hu/tomodachi-api/internal/httpapi/middleware"
)

const maxUploadSize = 20 << 20

func (h *Handler) CreateAgent(c *gin.Context) {
	var in agent.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid json")
		return
	}
	a, err := h.Agents.Create(c.Request.Context(), middleware.UserID(c), in)
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, a)
}

func (h *Handler) ListAgents(c *gin.Context) {
	page, limit := pageQuery(c, 10)
	list, total, err := h.Agents.List(c.Request.Context(), agent.ListFilter{
		UserID:   middleware.UserID(c),
		Name:     c.Query("name"),
		Language: c.Query("language"),
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, listResponse{Items: list, Page: common.NewPage(page, limit, total)})
}

func (h *Handler) GetAgent(c *gin.Context) {
	d, err := h.Agents.Get(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, d)
}

func (h *Handler) UpdateAgent(c *gin.Context) {
	var in agent.UpdateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid json")
		return
	}
	d, err := h.Agents.Update(c.Request.Context(), c.Param("id"), middleware.UserID(c), in)
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, d)
}

func (h *Handler) DeleteAgent(c *gin.Context) {
	if err := h.Agents.Delete(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

// AddKnowledge takes a multipart form with either a "url" field or a "file".
func (h *Handler) AddKnowledge(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
	sourceURL := strings.TrimSpace(c.PostForm("url"))

	var part *elevenlabs.FilePart
	if fh, err := c.FormFile("file"); err == nil {
		f, err := fh.Open()
		if err != nil {
			badRequest(c, "unreadable file")
			return
		}
		defer f.Close()
		part = &elevenlabs.FilePart{Name: fh.Filename, Content: f}
	}

	d, err := h.Agents.AddKnowledge(c.Request.Context(), c.Param("id"), middleware.UserID(c), sourceURL, part)
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, d)
}

func (h *Handler) UploadAvatar(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
	fh, err := c.FormFile("avatar")
	if err != nil {
		badRequest(c, "avatar file required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		badRequest(c, "unreadable file")
		return
	}
	defer f.Close()

	d, err := h.Agents.UploadAvatar(c.Request.Context(), c.Param("id"), middleware.UserID(c), elevenlabs.FilePart{Name: fh.Filename, Content: f})
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, d)
}

// ResetAgent forces the agent back to IDLE, e.g. after an ERROR.
func (h *Handler) ResetAgent(c *gin.Context) {
	a, err := h.Agents.Reset(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, a)
}
