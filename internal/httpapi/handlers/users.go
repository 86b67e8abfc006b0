package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/tomodachi-api/internal/common"
	"github.com/suPer8Hu/tomodachi-api/internal/users"
)

func (h *Handler) ListUsers(c *gin.Context) {
	page, limit := pageQuery(c, 10)
	f := users.ListFilter{
		Name:  c.Query("name"),
		Email: c.Query("email"),
		Role:  users.Role(strings.ToUpper(c.Query("role"))),
		Page:  page,
		Limit: limit,
	}
	list, total, err := h.Users.List(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, listResponse{Items: list, Page: common.NewPage(f.Page, f.Limit, total)})
}

func (h *Handler) GetUser(c *gin.Context) {
	u, err := h.Users.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, u)
}

type updateUserReq struct {
	FirstName string `json:"first_name" binding:"required,max=64"`
	LastName  string `json:"last_name" binding:"max=64"`
}

func (h *Handler) UpdateUser(c *gin.Context) {
	var req updateUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "first_name required")
		return
	}
	u, err := h.Users.UpdateProfile(c.Request.Context(), c.Param("id"), req.FirstName, req.LastName)
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, u)
}

func (h *Handler) DeleteUser(c *gin.Context) {
	if err := h.Users.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

type addCreditsReq struct {
	Credits int `json:"credits" binding:"required,gt=0"`
}

func (h *Handler) AddCredits(c *gin.Context) {
	var req addCreditsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "credits must be a positive integer")
		return
	}
	before, after, err := h.Users.AddCredits(c.Request.Context(), c.Param("id"), req.Credits)
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"previous_credits": before, "new_credits": after})
}
