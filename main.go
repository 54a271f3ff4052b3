package main

import (
	"context"
	"flag"
	"log"

	"github.com/freekieb7/flint/config"
	"github.com/freekieb7/flint/http"
	"github.com/freekieb7/flint/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalln(err)
	}

	ctx := context.Background()
	shutdown, err := telemetry.Setup(ctx, cfg.Service)
	if err != nil {
		log.Fatalln(err)
	}
	defer shutdown(ctx)

	server := http.NewServer(http.Config{
		MaxClients:   cfg.Server.MaxClients,
		MaxHeadBytes: cfg.Server.MaxHeadBytes,
		Logger:       telemetry.Logger(cfg.Service),
	})
	if err := server.Listen(cfg.Server.Port, cfg.Server.Addr); err != nil {
		log.Fatalln(err)
	}
	defer server.Close()

	for {
		var req http.Request
		if err := server.Wait(&req); err != nil {
			log.Fatalln(err)
		}
		server.Status(http.StatusOK)
		server.Header("Content-Type", "text/plain")
		server.WriteString("Hello, world!")
		server.Send()
	}
}
