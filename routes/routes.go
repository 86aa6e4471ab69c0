package routes

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"lmschat/config"
	"lmschat/controllers"
	"lmschat/metrics"
	"lmschat/middlewares"
	"lmschat/services"
)

// Dependencies are the services the HTTP layer is built on.
type Dependencies struct {
	Config   *config.Config
	Chat     *services.ChatService
	Messages *services.MessageStore
	Log      zerolog.Logger
}

func SetupRouter(deps Dependencies) *gin.Engine {
	r := gin.New()
	if err := r.SetTrustedProxies(deps.Config.Server.TrustedProxies); err != nil {
		deps.Log.Error().Err(err).Msg("invalid trusted proxies, trusting none")
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: deps.Config.Server.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Authorization", services.UserIDHeader},
	}))
	r.Use(middlewares.IdentifyUser())
	r.Use(middlewares.Logger(deps.Log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")

	// Chat completion proxy
	limiter := middlewares.NewRateLimiter(middlewares.RateLimitOptions{
		UserRPS:   deps.Config.Server.RateLimitRPS,
		UserBurst: deps.Config.Server.RateLimitBurst,
		IPRPS:     deps.Config.Server.RateLimitIPRPS,
		IPBurst:   deps.Config.Server.RateLimitIPBurst,
		IdleTTL:   deps.Config.Server.RateLimitIdleTTL,
		MaxKeys:   deps.Config.Server.RateLimitMaxKeys,
	})
	api.POST("/chat", limiter.Handler(), controllers.HandleChat(deps.Chat, deps.Log))

	// Conversation history of the calling user
	history := api.Group("/chat/history", middlewares.RequireUser())
	history.GET("", controllers.GetHistory(deps.Messages, deps.Config.Chat.LoadLimit, deps.Log))
	history.DELETE("", controllers.ClearHistory(deps.Messages, deps.Log))

	return r
}
