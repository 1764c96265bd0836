package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rcord/rcord/internal/config"
	"github.com/rcord/rcord/internal/server"
	"github.com/rcord/rcord/internal/storage"
)

func main() {
	cfg, err := config.ServerFromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	srv := server.New(cfg, store)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down...", sig)
		srv.Stop()
	}

	log.Println("Server stopped")
}
