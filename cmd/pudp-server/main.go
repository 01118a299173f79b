// Command pudp-server runs the PowerUDP registration server.
//
// The server admits clients that present the shared secret, keeps a bounded
// registry of them and distributes config changes over multicast and,
// optionally, a WebSocket feed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/powerudp/internal/config"
	"github.com/1ureka/powerudp/internal/feed"
	"github.com/1ureka/powerudp/internal/multicast"
	"github.com/1ureka/powerudp/internal/protocol"
	"github.com/1ureka/powerudp/internal/server"
	"github.com/1ureka/powerudp/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// runMain parses argv, sets up logging and serves until ctx is cancelled.
// It returns the process exit code.
func runMain(ctx context.Context, argv []string) int {
	fs := flag.NewFlagSet("pudp-server", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to a YAML config file")
	listen := fs.String("listen", "", "TCP address to listen on (overrides config)")
	debugMode := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		util.LogError("failed to load config: %v", err)
		return 1
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logFile := util.SetupLogging(cfg.Log)
	defer logFile.Close()
	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("PowerUDP server v%s", version))
	pterm.Println()

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		return 1
	}
	util.LogInfo("server shut down")
	return 0
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg *config.ServerConfig) error {
	publisher, err := multicast.NewPublisher(cfg.Multicast)
	if err != nil {
		return err
	}

	var srv *server.Server
	opts := server.Options{
		Secret:            cfg.Secret,
		MaxClients:        cfg.MaxClients,
		InactivityTimeout: cfg.InactivityTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		Validate:          protocol.ValidSecret,
		Publishers:        []server.Publisher{publisher},
	}

	var hub *feed.Hub
	var feedLn net.Listener
	if cfg.Feed.Listen != "" {
		feedLn, err = net.Listen("tcp", cfg.Feed.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen for config feed on %s: %w", cfg.Feed.Listen, err)
		}
		hub = feed.NewHub(cfg.Secret, protocol.ValidSecret, func() protocol.Config { return srv.Config() })
		opts.Publishers = append(opts.Publishers, hub)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		if feedLn != nil {
			feedLn.Close()
		}
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	srv = server.New(opts)
	util.StartStatsReporter(ctx, cfg.StatusInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln) })
	if hub != nil {
		util.LogInfo("config feed on ws://%s%s", feedLn.Addr(), feed.Path)
		g.Go(func() error { return hub.Serve(gctx, feedLn) })
	}
	g.Go(func() error {
		reportStatus(gctx, srv, hub, cfg.StatusInterval)
		return nil
	})

	util.LogInfo("distributing config to %s: %s", publisher.Group, srv.Config())
	return g.Wait()
}

// reportStatus logs the registry every interval until ctx is cancelled.
func reportStatus(ctx context.Context, srv *server.Server, hub *feed.Hub, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reg := srv.Registry()
		line := fmt.Sprintf("clients: %d active / %d registered", reg.Active(), reg.Len())
		if hub != nil {
			line += fmt.Sprintf(", feed subscribers: %d", hub.Len())
		}
		util.LogInfo("%s", line)

		for _, rec := range reg.Snapshot() {
			state := "inactive"
			if rec.Active {
				state = "active"
			}
			util.LogDebug("  %-15s %-8s last seen %s ago", rec.Addr, state, time.Since(rec.LastSeen).Round(time.Second))
		}
	}
}
