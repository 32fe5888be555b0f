package server

import (
	"net/http"
	"time"

	"github.com/yashin20/pp-backend/internal/auth"
	"github.com/yashin20/pp-backend/internal/config"
	"github.com/yashin20/pp-backend/internal/metrics"
	"github.com/yashin20/pp-backend/internal/mw"
	"github.com/yashin20/pp-backend/internal/service"
	"github.com/yashin20/pp-backend/internal/token"
	"github.com/yashin20/pp-backend/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Deps 路由装配所需的全部依赖。
type Deps struct {
	Config  config.Config
	Tokens  *token.Service
	Hub     *ws.Hub
	Auth    *service.AuthService
	Members *service.MemberService
	Rooms   *service.RoomService
	Relay   *service.MessageService
	Friends *service.FriendshipService
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(d Deps) *gin.Engine {
	h := NewHandler(d.Auth, d.Members, d.Rooms, d.Relay, d.Friends)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	// 控制单个 IP+路由的速率，避免实例被刷爆。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))
	r.Use(mw.CORS(d.Config.Env))
	// 全局附加主体：凭证有效则绑定，无效或缺失放行为匿名。
	r.Use(auth.Filter(d.Tokens))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/reissue", h.Reissue)
	api.POST("/auth/logout", auth.RequireAuth(), h.Logout)

	members := api.Group("/members", auth.RequireAuth())
	members.GET("/me", h.Me)
	members.PUT("/me", h.UpdateMe)
	members.PUT("/me/password", h.UpdatePassword)
	members.DELETE("/me", h.DeleteMe)
	members.GET("/:username", h.GetMember)

	rooms := api.Group("/rooms", auth.RequireAuth())
	rooms.POST("", h.CreateRoom)
	rooms.GET("", h.ListRooms)
	rooms.GET("/my", h.ListMyRooms)
	rooms.GET("/:id", h.GetRoom)
	rooms.PUT("/:id", h.UpdateRoom)
	rooms.DELETE("/:id", h.DeleteRoom)
	rooms.POST("/:id/join", h.JoinRoom)
	rooms.POST("/:id/leave", h.LeaveRoom)
	rooms.POST("/:id/invite", h.InviteMembers)
	rooms.GET("/:id/messages", h.ListMessages)

	api.DELETE("/messages/:id", auth.RequireAuth(), h.DeleteMessage)

	friends := api.Group("/friends", auth.RequireAuth())
	friends.GET("", h.ListFriends)
	friends.POST("", h.CreateFriend)
	friends.GET("/search", h.SearchFriends)
	friends.DELETE("/:username", h.DeleteFriend)

	r.GET("/ws", ws.Serve(d.Hub, d.Relay, d.Rooms, d.Tokens, d.Config))

	return r
}
