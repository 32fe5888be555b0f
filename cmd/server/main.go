package main

import (
	"time"

	"github.com/yashin20/pp-backend/internal/config"
	"github.com/yashin20/pp-backend/internal/db"
	clog "github.com/yashin20/pp-backend/internal/log"
	"github.com/yashin20/pp-backend/internal/server"
	"github.com/yashin20/pp-backend/internal/service"
	"github.com/yashin20/pp-backend/internal/token"
	"github.com/yashin20/pp-backend/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		panic(err)
	}
	clog.Init(cfg.Env)

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	store := token.NewMemoryStore()
	defer store.Stop()
	tokens := token.NewService(
		cfg.JWTSecret,
		time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute,
		time.Duration(cfg.RefreshTokenTTLDays)*24*time.Hour,
		store,
	)

	hub := ws.NewHub()
	svcs := service.NewServices(gdb, tokens, hub, hub, cfg.MaxRoomsPerMember)

	r := server.SetupRouter(server.Deps{
		Config:  cfg,
		Tokens:  tokens,
		Hub:     hub,
		Auth:    svcs.Auth,
		Members: svcs.Members,
		Rooms:   svcs.Rooms,
		Relay:   svcs.Relay,
		Friends: svcs.Friends,
	})
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
