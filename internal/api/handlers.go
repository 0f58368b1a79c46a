// Package api exposes the conversation backend over HTTP.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pairchat/internal/auth"
	"pairchat/internal/models"
	"pairchat/internal/service/conversation"
	"pairchat/internal/worker"
)

// WorkerManager runs AI jobs for handlers. Satisfied by *worker.Dispatcher.
type WorkerManager interface {
	Reply(worker.ReplyRequest) (*worker.ReplyOutcome, error)
	Suggest(worker.SuggestRequest) ([]string, error)
	CancelUser(userID string)
}

const defaultSuggestionCount = 3

// Handler wires HTTP routes to the conversation service and the AI
// worker dispatcher.
type Handler struct {
	conversations *conversation.Service
	auth          *auth.Service
	workers       WorkerManager
	partners      []models.Partner
}

func NewHandler(conversations *conversation.Service, authService *auth.Service, workers WorkerManager, partners []models.Partner) *Handler {
	return &Handler{
		conversations: conversations,
		auth:          authService,
		workers:       workers,
		partners:      partners,
	}
}

// check token userID is match with param userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		if c.Param("userId") != strconv.FormatInt(userID, 10) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	api.GET("/partners", h.listPartners)

	// history reads are public so clients can render before sign-in
	api.GET("/conversations/:userId/:partnerId", h.getHistory)

	authMW := h.auth.Middleware()
	api.POST("/users/logout", authMW, h.logoutUser)

	convRoutes := api.Group("/conversations/:userId/:partnerId")
	convRoutes.Use(authMW, h.requirePathUser())
	convRoutes.POST("", h.appendMessages)
	convRoutes.DELETE("", h.resetConversation)
	convRoutes.POST("/reply", h.requestReply)
	convRoutes.POST("/suggestions", h.requestSuggestions)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	token, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"token":      token,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	token, ok := auth.AuthTokenFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	if err := h.auth.RevokeToken(c.Request.Context(), token); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listPartners(c *gin.Context) {
	type partnerView struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		FirstMessage string `json:"first_message"`
	}
	views := make([]partnerView, 0, len(h.partners))
	for _, p := range h.partners {
		views = append(views, partnerView{
			ID:           p.ID,
			Name:         p.Name,
			FirstMessage: p.FirstMessage,
		})
	}
	c.JSON(http.StatusOK, gin.H{"partners": views})
}

func (h *Handler) conversationKey(c *gin.Context) (models.ConversationKey, bool) {
	key := models.ConversationKey{
		UserID:    c.Param("userId"),
		PartnerID: c.Param("partnerId"),
	}
	if !key.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation key"})
		return models.ConversationKey{}, false
	}
	return key, true
}

func (h *Handler) getHistory(c *gin.Context) {
	key, ok := h.conversationKey(c)
	if !ok {
		return
	}
	messages, err := h.conversations.History(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = make([]models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) appendMessages(c *gin.Context) {
	key, ok := h.conversationKey(c)
	if !ok {
		return
	}
	var req struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	appended, messages, err := h.conversations.Append(c.Request.Context(), key, req.Messages)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"appended": appended,
		"messages": messages,
	})
}

func (h *Handler) resetConversation(c *gin.Context) {
	key, ok := h.conversationKey(c)
	if !ok {
		return
	}
	if err := h.conversations.Reset(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.CancelUser(key.UserID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) requestReply(c *gin.Context) {
	key, ok := h.conversationKey(c)
	if !ok {
		return
	}
	outcome, err := h.workers.Reply(worker.ReplyRequest{
		Context:   c.Request.Context(),
		UserID:    key.UserID,
		PartnerID: key.PartnerID,
	})
	if err != nil {
		if errors.Is(err, worker.ErrDispatcherBusy) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  outcome.Reply,
		"messages": outcome.Messages,
	})
}

func (h *Handler) requestSuggestions(c *gin.Context) {
	key, ok := h.conversationKey(c)
	if !ok {
		return
	}
	var req struct {
		Count int `json:"count"`
	}
	// body is optional; a missing count falls back to the default
	_ = c.ShouldBindJSON(&req)
	count := req.Count
	if count <= 0 || count > 10 {
		count = defaultSuggestionCount
	}
	suggestions, err := h.workers.Suggest(worker.SuggestRequest{
		Context:   c.Request.Context(),
		UserID:    key.UserID,
		PartnerID: key.PartnerID,
		Count:     count,
	})
	if err != nil && errors.Is(err, worker.ErrDispatcherBusy) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		return
	}
	// Generation problems degrade to the fallback shape so the client
	// can still offer its canned suggestions.
	fallback := err != nil || len(suggestions) == 0
	message := ""
	switch {
	case err != nil:
		message = "suggestions are unavailable right now"
	case fallback:
		message = "no suggestions available right now"
	}
	if suggestions == nil {
		suggestions = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"suggestions": suggestions,
		"fallback":    fallback,
		"message":     message,
	})
}
