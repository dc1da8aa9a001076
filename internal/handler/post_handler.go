package handler

import (
	"net/http"

	"comuna/internal/middleware"
	"comuna/internal/models"
	"comuna/internal/repository"

	"github.com/gin-gonic/gin"
)

type PostHandler struct {
	postRepo *repository.PostRepository
}

func NewPostHandler(postRepo *repository.PostRepository) *PostHandler {
	return &PostHandler{postRepo: postRepo}
}

// Create publishes a post. BASICO accounts are capped at their
// limitePublicaciones; premium and admin ranks are unlimited. The rank checked
// here is the store-backed one the guard middleware loaded, so a lapsed
// premium is already counted as BASICO.
func (h *PostHandler) Create(c *gin.Context) {
	u := middleware.GetUser(c)
	if u == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req struct {
		Title string `json:"title" binding:"required,max=255"`
		Body  string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title and body required"})
		return
	}
	if !u.IsPremium() && !u.IsAdmin() {
		n, err := h.postRepo.CountByUser(u.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed"})
			return
		}
		if n >= int64(u.LimitePublicaciones) {
			c.JSON(http.StatusForbidden, gin.H{"error": "publication limit reached", "limit": u.LimitePublicaciones})
			return
		}
	}
	p := &models.Post{UserID: u.ID, Title: req.Title, Body: req.Body}
	if err := h.postRepo.Create(p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"post": p})
}

func (h *PostHandler) List(c *gin.Context) {
	posts, err := h.postRepo.ListRecent(50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts})
}
