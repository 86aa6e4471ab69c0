package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"lmschat/metrics"
	"lmschat/middlewares"
	"lmschat/models"
	"lmschat/services"
)

// HandleChat proxies a conversation to the model provider. Every response,
// including failures, carries a renderable assistant message.
func HandleChat(chat *services.ChatService, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var request models.ChatRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			log.Warn().Err(err).Msg("Error binding JSON")
			respondChatError(c, start, services.KindBadRequest, "invalid request body")
			return
		}
		if len(request.Messages) == 0 {
			respondChatError(c, start, services.KindBadRequest, "no messages provided")
			return
		}

		reply, err := chat.Reply(c.Request.Context(), request.Messages)
		if err != nil {
			kind := services.Classify(err)
			log.Error().Err(err).
				Str("kind", kind.String()).
				Str("user_id", c.GetString(middlewares.UserIDKey)).
				Msg("chat request failed")
			respondChatError(c, start, kind, err.Error())
			return
		}

		metrics.ChatRequests.WithLabelValues("200", "ok").Inc()
		metrics.ChatDuration.WithLabelValues("200").Observe(time.Since(start).Seconds())
		c.JSON(http.StatusOK, models.ChatResponse{
			Message: models.ChatTurn{Role: models.RoleAssistant, Content: reply},
		})
	}
}

func respondChatError(c *gin.Context, start time.Time, kind services.ErrorKind, reason string) {
	status := kind.Status()
	code := strconv.Itoa(status)
	metrics.ChatRequests.WithLabelValues(code, kind.String()).Inc()
	metrics.ChatDuration.WithLabelValues(code).Observe(time.Since(start).Seconds())
	c.JSON(status, models.ChatResponse{
		Message: models.ChatTurn{Role: models.RoleAssistant, Content: kind.UserMessage()},
		Error:   reason,
	})
}

// GetHistory returns the caller's conversation, oldest first. A requested
// limit above maxLimit is lowered to it.
func GetHistory(store *services.MessageStore, maxLimit int, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middlewares.UserIDKey)

		limit := maxLimit
		if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, maxLimit)
		}

		messages, err := store.Load(c.Request.Context(), userID, limit)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Error loading history")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch conversation history"})
			return
		}
		c.JSON(http.StatusOK, models.HistoryResponse{Messages: messages})
	}
}

// ClearHistory deletes the caller's conversation. A partial failure is
// reported with the number of messages that survived.
func ClearHistory(store *services.MessageStore, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middlewares.UserIDKey)

		err := store.DeleteAll(c.Request.Context(), userID)
		if err != nil {
			var partial *services.DeleteError
			if errors.As(err, &partial) {
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":  "Some messages could not be deleted",
					"failed": partial.Failed,
				})
				return
			}
			log.Error().Err(err).Str("user_id", userID).Msg("Error clearing history")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear conversation history"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "History cleared successfully"})
	}
}
