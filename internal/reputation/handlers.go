package reputation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for reputation
type Handler struct {
	tracker *Tracker
}

// NewHandler creates a new reputation handler
func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

// BatchRequest asks for several users' scores at once.
type BatchRequest struct {
	UserIDs []string `json:"userIds"`
}

// RegisterRoutes sets up reputation endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/reputation", h.GetReputation)
	r.POST("/reputation/batch", h.GetBatchReputation)
}

// GetReputation returns the score for a single user. Users with no history
// score zero.
func (h *Handler) GetReputation(c *gin.Context) {
	score, err := h.tracker.Score(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load reputation",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reputation": score})
}

// GetBatchReputation returns scores for multiple users.
// POST /v1/reputation/batch
func (h *Handler) GetBatchReputation(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'userIds' array",
		})
		return
	}
	if len(req.UserIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "At least one user id is required",
		})
		return
	}
	if len(req.UserIDs) > 100 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "too_many_users",
			"message": "Maximum 100 user ids per batch request",
		})
		return
	}

	scores := make([]*Score, 0, len(req.UserIDs))
	for _, id := range req.UserIDs {
		score, err := h.tracker.Score(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to load reputation",
			})
			return
		}
		scores = append(scores, score)
	}
	c.JSON(http.StatusOK, gin.H{"scores": scores, "count": len(scores)})
}
