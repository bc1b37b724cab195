package main

import (
	"context"
	"log"

	"github.com/sentiocare/sentio-go/internal/tail"
)

func main() {
	cfg := tail.LoadConfig()

	app, err := tail.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}

	if err := app.Run(context.Background()); err != nil {
		log.Fatalf("sentiotail error: %v", err)
	}
}
