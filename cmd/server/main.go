package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"lifewire/internal/app"
)

func main() {
	cfg := app.Config{}
	flag.StringVar(&cfg.HTTPAddr, "http", "", "HTTP listen address (default :8080)")
	flag.StringVar(&cfg.UDPAddr, "udp", "", "datagram listen address (default :8081)")
	flag.StringVar(&cfg.PatternFile, "patterns", "", "path to a pattern catalog JSON file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		log.Fatalf("%v", err)
	}
}
