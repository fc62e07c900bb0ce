package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for auth
type Handler struct {
	issuer      *Issuer
	trustHeader bool
}

// NewHandler creates a new auth handler. issuer may be nil.
func NewHandler(issuer *Issuer, trustHeader bool) *Handler {
	return &Handler{issuer: issuer, trustHeader: trustHeader}
}

// RegisterRoutes sets up public auth routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.GET("/auth/me", RequireCaller(), h.Me)
}

// RegisterDevRoutes exposes token minting. Development only.
func (h *Handler) RegisterDevRoutes(r *gin.RouterGroup) {
	r.POST("/dev/token", h.IssueToken)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	info := gin.H{
		"type":   "jwt",
		"header": "Authorization: Bearer <token>",
		"alg":    "HS256",
		"claim":  "sub",
	}
	if h.trustHeader {
		info["devHeader"] = HeaderCaller
	}
	c.JSON(http.StatusOK, info)
}

// Me returns the authenticated caller.
func (h *Handler) Me(c *gin.Context) {
	caller, _ := GetCaller(c)
	c.JSON(http.StatusOK, gin.H{"caller": caller})
}

type issueRequest struct {
	Principal string `json:"principal" binding:"required"`
}

// IssueToken handles POST /v1/dev/token
func (h *Handler) IssueToken(c *gin.Context) {
	if h.issuer == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_configured",
			"message": "JWT_SECRET is not set",
		})
		return
	}

	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "principal is required",
		})
		return
	}
	if !validation.IsValidPrincipal(req.Principal) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "principal must be a valid principal",
		})
		return
	}

	token, err := h.issuer.Generate(req.Principal)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue token",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "principal": req.Principal})
}
