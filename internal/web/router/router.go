package router

import (
	"github.com/gin-gonic/gin"

	"sudooom.dm/internal/config"
	"sudooom.dm/internal/web/handler"
	"sudooom.dm/internal/web/middleware"
	"sudooom.dm/pkg/jwt"
)

// SetupRouter 设置路由
func SetupRouter(
	cfg *config.Config,
	jwtService *jwt.Service,
	authHandler *handler.AuthHandler,
	messageHandler *handler.MessageHandler,
	userHandler *handler.UserHandler,
) *gin.Engine {
	gin.SetMode(cfg.Web.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS([]string{"*"}))

	v1 := r.Group("/api/v1")
	{
		// 认证接口（无需登录）
		auth := v1.Group("/auth")
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
			auth.POST("/refresh", authHandler.Refresh)
		}

		// 需要认证的接口
		authenticated := v1.Group("")
		authenticated.Use(middleware.JWTAuth(jwtService))
		{
			message := authenticated.Group("/message")
			{
				message.POST("/send", messageHandler.Send)
				message.GET("/history/:conversationId", messageHandler.History)
				message.PATCH("/:messageId/delivered", messageHandler.MarkDelivered)
				message.PATCH("/:messageId/seen", messageHandler.MarkSeen)
				message.POST("/auto-send", messageHandler.ScheduleAuto)
			}

			conversation := authenticated.Group("/conversation")
			{
				conversation.GET("", messageHandler.Conversations)
				conversation.POST("/with/:userId", messageHandler.Resolve)
			}

			authenticated.GET("/online-users", userHandler.OnlineUsers)
		}
	}

	return r
}
