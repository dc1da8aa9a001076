package handler

import (
	"net/http"

	"comuna/internal/middleware"

	"github.com/gin-gonic/gin"
)

type MeHandler struct{}

func NewMeHandler() *MeHandler {
	return &MeHandler{}
}

// Profile returns the caller's account, with the membership fields as the
// guard middleware left them (lapsed premium shows up already demoted).
func (h *MeHandler) Profile(c *gin.Context) {
	u := middleware.GetUser(c)
	if u == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}
