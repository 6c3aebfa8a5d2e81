package main

import (
	"github.com/routelab/tierproxy/internal/config"
	"github.com/routelab/tierproxy/internal/server"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

func main() {
	config.LoadEnvFiles([]string{".env.local", ".env"})

	cfg, err := config.Load()
	if err != nil {
		fiberlog.Fatalf("failed to load config: %v", err)
	}

	srv := server.New(cfg)
	if err := srv.Run(); err != nil {
		fiberlog.Fatalf("server failed: %v", err)
	}
}
