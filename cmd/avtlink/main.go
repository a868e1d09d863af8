package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mwhitney/avtlink/internal/avt"
	"github.com/mwhitney/avtlink/internal/server"
	"github.com/mwhitney/avtlink/web"
)

func main() {
	configPath := flag.String("config", "/etc/avtlink/config.yaml", "Path to config file")
	sim := flag.Bool("sim", false, "Run against a simulated AVT 852 instead of real hardware")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] avtlink starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *sim {
		cfg.Link.Type = "sim"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	sessionCfg := avt.Config{
		PortPath:  cfg.Link.PortPath,
		BaudRate:  cfg.Link.BaudRate,
		ToolID:    byte(cfg.Link.ToolID),
		QueueSize: cfg.Link.QueueSize,
	}
	if cfg.Link.Type == "sim" {
		sessionCfg.Open = func() (avt.Port, error) { return avt.NewSimPort(), nil }
	}
	session := avt.NewSession(sessionCfg)
	defer session.Close()

	// Try connecting with exponential backoff (non-blocking — the bridge
	// starts regardless and reports link status over the API)
	go connectWithRetry(ctx, "link", session, 10)

	srv := server.New(cfg, session, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// connectable is the subset of the session used by the retry loop.
type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
