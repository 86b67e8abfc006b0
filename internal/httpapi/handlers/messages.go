package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/tomodachi-api/internal/chat"
	"github.com/suPer8Hu/tomodachi-api/internal/common"
	"github.com/suPer8Hu/tomodachi-api/internal/httpapi/middleware"
)

func (h *Handler) ListMessages(c *gin.Context) {
	page, limit := pageQuery(c, 30)
	in := chat.ListInput{
		Desc:  strings.EqualFold(c.Query("order"), "desc"),
		Page:  page,
		Limit: limit,
	}
	msgs, total, err := h.Chat.ListMessages(c.Request.Context(), middleware.UserID(c), c.Param("id"), in)
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, listResponse{Items: msgs, Page: common.NewPage(page, limit, total)})
}

type sendMessageReq struct {
	Body string `json:"body"`
}

// SendMessage answers 202: the reply arrives later over the websocket.
func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	msg, err := h.Chat.SendMessage(c.Request.Context(), middleware.UserID(c), c.Param("id"), req.Body)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"code":    0,
		"message": "message queued",
		"data":    msg,
	})
}

func (h *Handler) GetMessage(c *gin.Context) {
	msg, err := h.Chat.GetMessage(c.Request.Context(), middleware.UserID(c), c.Param("id"), c.Param("messageId"))
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, msg)
}

func (h *Handler) MarkMessageRead(c *gin.Context) {
	msg, err := h.Chat.MarkRead(c.Request.Context(), middleware.UserID(c), c.Param("id"), c.Param("messageId"))
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, msg)
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	if err := h.Chat.DeleteMessage(c.Request.Context(), middleware.UserID(c), c.Param("id"), c.Param("messageId")); err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

func (h *Handler) ClearMessages(c *gin.Context) {
	n, err := h.Chat.ClearMessages(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"deleted": n})
}
