package main

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"livechat/config"
	"livechat/internal/api"
	"livechat/internal/broker"
	"livechat/internal/chat"
	"livechat/internal/media"
	"livechat/internal/models"
	"livechat/internal/server"
	"livechat/internal/store"
	"livechat/pkg/logger"
)

func main() {
	logger.InitLogger()

	log.Info().Msg("Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	cache, err := store.Open(cfg.DatabaseURL, models.RoleAgent,
		store.WithRetention(cfg.Retention),
		store.WithGCInterval(cfg.GCInterval))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session cache")
	}
	defer cache.Close()

	apiClient, err := api.NewClient(cfg.ChatAPIURL, func() string { return cfg.AgentToken })
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize chat API client")
	}

	publisher, err := broker.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Warn().Err(err).Msg("Event publishing unavailable, continuing without it")
	}
	defer publisher.Close()

	uploader, err := media.NewUploader(media.Config{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PathStyle: cfg.S3PathStyle,
		PublicURL: cfg.S3PublicURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize S3 uploader")
	}

	opts := []chat.Option{}
	if publisher != nil {
		opts = append(opts, chat.WithPublisher(publisher))
	}
	if uploader != nil {
		opts = append(opts, chat.WithUploader(uploader))
	}

	agent := chat.NewClient(models.RoleAgent, apiClient, cache, chat.Config{
		SocketURL:    cfg.ChatWSURL,
		PollInterval: cfg.PollInterval,
	}, opts...)

	srv := server.NewServer(agent, cfg.AgentID)

	port := cfg.Port
	if port == "" {
		port = "8080"
		log.Info().Str("port", port).Msg("Defaulting to port")
	}

	log.Info().Str("port", port).Msg("Agent console server starting")
	if err := http.ListenAndServe(":"+port, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}
