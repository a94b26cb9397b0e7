package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"localchat/internal/api"
	"localchat/internal/auth"
	"localchat/internal/chat"
	"localchat/internal/llm"
	"localchat/internal/redis"
	"localchat/internal/registry"
	"localchat/internal/relay"
	"localchat/internal/storage"
	"localchat/internal/title"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, db, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			rdb, err := redis.NewRedisClient(cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()
			if rdb.Enabled() {
				log.WithField("host", cfg.Redis.Host).Info("redis cache enabled")
			}

			client, err := llm.NewClient(ctx, cfg.LLM, rdb)
			if err != nil {
				return err
			}

			store := storage.NewStore(db)
			reg := registry.New()
			rl := relay.New(store, client, reg, relay.Options{
				Temperature:    cfg.LLM.Temperature,
				MaxTokens:      cfg.LLM.MaxTokens,
				PersistTimeout: time.Duration(cfg.BasicConfig.PersistTimeoutSecs) * time.Second,
			})
			chatService := chat.NewService(store, rl, reg, title.NewSynthesizer(client), client)

			authService := auth.NewService(db, rdb, time.Duration(cfg.BasicConfig.TokenTTL)*time.Minute)
			authService.LimitOneAccountPerIP(cfg.BasicConfig.OneAccountPerIP)

			router := gin.New()
			router.Use(gin.Recovery(), api.RequestLogger())
			api.NewHandler(chatService, authService).RegisterRoutes(router)

			addr := listen
			if addr == "" {
				addr = cfg.BasicConfig.ServerAddress
			}
			server := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

			errCh := make(chan error, 1)
			go func() {
				log.WithFields(log.Fields{"addr": addr, "llm": cfg.LLM.BaseURL}).Info("serving")
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				log.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					log.WithError(err).Warn("graceful shutdown failed")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Address to listen on (overrides server_address)")
	return cmd
}
