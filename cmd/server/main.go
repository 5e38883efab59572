package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iamarpitsharma/Cryptalk/internal/config"
	"github.com/iamarpitsharma/Cryptalk/internal/db"
	clog "github.com/iamarpitsharma/Cryptalk/internal/log"
	"github.com/iamarpitsharma/Cryptalk/internal/server"
	"github.com/iamarpitsharma/Cryptalk/internal/store"
	"github.com/iamarpitsharma/Cryptalk/internal/ws"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	client, err := db.Connect(cfg.MongoURI)
	if err != nil {
		log.Fatal().Err(err).Msg("mongo connect")
	}
	mdb := client.Database(cfg.MongoDB)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = db.EnsureIndexes(ctx, mdb)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("ensure indexes")
	}

	st := store.New(mdb)
	hub := ws.NewHub(st, cfg)
	r := server.SetupRouter(cfg, st, hub)

	log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting server")
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
