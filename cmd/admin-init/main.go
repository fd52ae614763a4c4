package main

import (
	"context"
	"fmt"
	"log"

	"authd/backend/internal/app"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	server, err := app.NewServer(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer server.Close()

	if err := server.EnsureBootstrapAdmin(context.Background(), cfg.AdminInitEmail, cfg.AdminInitPassword); err != nil {
		log.Fatal(err)
	}

	fmt.Println("admin init completed")
}
