// Command pudp is the PowerUDP client.
//
// Registers with a PowerUDP server and then sends or receives reliable
// datagrams, or asks the server to change the protocol config:
//
//	pudp [flags] send <dest> [loss%]
//	pudp [flags] receive
//	pudp [flags] config <retrans> <backoff> <seq> <timeout_ms> <retries>
//
// Without a command the client runs interactively.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/powerudp/internal/arq"
	"github.com/1ureka/powerudp/internal/client"
	"github.com/1ureka/powerudp/internal/config"
	"github.com/1ureka/powerudp/internal/protocol"
	"github.com/1ureka/powerudp/internal/util"
)

var version = "dev"

// endMessage terminates the send and receive loops.
const endMessage = "END"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin)
	stop()
	os.Exit(code)
}

// run executes the client with the given arguments and returns the process
// exit code: 0 on success, 1 on a runtime failure and 2 on bad usage.
func run(ctx context.Context, argv []string, stdin io.Reader) int {
	fs := flag.NewFlagSet("pudp", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to a YAML config file")
	serverAddr := fs.String("server", "", "Server address host:port (overrides config)")
	localPort := fs.Int("port", -1, "Local UDP port (overrides config, 0 = any)")
	feedURL := fs.String("feed", "", "WebSocket config feed URL (overrides config)")
	debugMode := fs.Bool("debug", false, "Enable debug logging")
	fs.Usage = func() { usage(fs) }
	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	args := fs.Args()
	if len(args) > 0 && !validCommand(args) {
		fs.Usage()
		return 2
	}
	var requested protocol.Config
	if len(args) > 0 && args[0] == "config" {
		pc, err := parseConfig(args[1:])
		if err != nil {
			util.LogError("%v", err)
			return 2
		}
		requested = pc
	}

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		util.LogError("failed to load config: %v", err)
		return 1
	}
	if *serverAddr != "" {
		cfg.Server = *serverAddr
	}
	if *localPort >= 0 {
		cfg.LocalPort = *localPort
	}
	if *feedURL != "" {
		cfg.FeedURL = *feedURL
	}

	logFile := util.SetupLogging(cfg.Log)
	defer logFile.Close()
	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("PowerUDP client v%s", version))
	pterm.Println()

	s, err := client.Open(ctx, client.Options{
		Server:         cfg.Server,
		Secret:         cfg.Secret,
		LocalPort:      cfg.LocalPort,
		MulticastGroup: cfg.Multicast.Group,
		FeedURL:        cfg.FeedURL,
		KeepAlive:      cfg.KeepAlive,
	})
	if err != nil {
		util.LogError("failed to open session: %v", err)
		return 1
	}
	defer s.Close()

	util.StartStatsReporter(ctx, cfg.StatusInterval)

	if len(args) == 0 {
		runInteractive(ctx, s)
		return 0
	}

	switch args[0] {
	case "send":
		if len(args) > 2 {
			loss, _ := strconv.Atoi(args[2])
			util.LogInfo("injecting %d%% packet loss", s.InjectLoss(loss))
		}
		runSend(ctx, s, args[1], stdin)

	case "receive":
		runReceive(ctx, s)

	case "config":
		if err := s.RequestConfig(ctx, requested); err != nil {
			util.LogError("config request failed: %v", err)
			return 1
		}
		util.LogSuccess("config request accepted: %s", requested)
	}
	return 0
}

func usage(fs *flag.FlagSet) {
	out := fs.Output()
	name := fs.Name()
	fmt.Fprintf(out, "Usage: %s [flags] send <dest> [loss%%]\n", name)
	fmt.Fprintf(out, "       %s [flags] receive\n", name)
	fmt.Fprintf(out, "       %s [flags] config <retrans> <backoff> <seq> <timeout_ms> <retries>\n", name)
	fmt.Fprintf(out, "       %s [flags]   (interactive)\n\nFlags:\n", name)
	fs.PrintDefaults()
}

func validCommand(args []string) bool {
	switch args[0] {
	case "send":
		return len(args) == 2 || len(args) == 3
	case "receive":
		return len(args) == 1
	case "config":
		return len(args) == 6
	}
	return false
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runSend sends each input line to dest until END, EOF or cancellation.
func runSend(ctx context.Context, s *client.Session, dest string, in io.Reader) {
	util.LogInfo("sending to %s, one message per line (%s to finish)", dest, endMessage)
	scanner := bufio.NewScanner(in)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		msg := scanner.Text()

		res, err := s.Send(ctx, dest, []byte(msg))
		switch {
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			util.LogWarning("send failed: %v", err)
		default:
			util.LogSuccess("delivered %d bytes", res.Bytes)
		}
		util.LogInfo("stats: %d retransmissions, %d ms total", res.Retransmissions, res.Elapsed.Milliseconds())

		if msg == endMessage {
			return
		}
	}
}

// runReceive prints incoming messages until END or cancellation.
func runReceive(ctx context.Context, s *client.Session) {
	util.LogInfo("receiving on %s (until %s)", s.LocalAddr(), endMessage)
	buf := make([]byte, protocol.MaxPayloadSize)

	for {
		n, from, err := s.Receive(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			util.LogWarning("receive failed: %v", err)
			if errors.Is(err, arq.ErrOutOfSequence) || errors.Is(err, arq.ErrPayloadTooLarge) {
				continue
			}
			// Avoid spinning on a persistent socket error.
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		msg := string(buf[:n])
		util.LogSuccess("received %d bytes from %s: %q", n, from, msg)
		if msg == endMessage {
			return
		}
	}
}

// runInteractive offers the session operations through pterm prompts.
func runInteractive(ctx context.Context, s *client.Session) {
	const (
		optSend    = "Send a message"
		optReceive = "Receive messages"
		optConfig  = "Request a config change"
		optLoss    = "Inject packet loss"
		optShow    = "Show current config"
		optQuit    = "Quit"
	)

	for ctx.Err() == nil {
		choice, _ := pterm.DefaultInteractiveSelect.
			WithOptions([]string{optSend, optReceive, optConfig, optLoss, optShow, optQuit}).
			WithDefaultText(fmt.Sprintf("Session %s", s.LocalAddr())).
			Show()
		pterm.Println()

		switch choice {
		case optSend:
			dest := ask("Destination (ip or ip:port)")
			msg := ask("Message")
			res, err := s.Send(ctx, dest, []byte(msg))
			if err != nil {
				util.LogWarning("send failed: %v", err)
			} else {
				util.LogSuccess("delivered %d bytes", res.Bytes)
			}
			util.LogInfo("stats: %d retransmissions, %d ms total", res.Retransmissions, res.Elapsed.Milliseconds())

		case optReceive:
			runReceive(ctx, s)

		case optConfig:
			fields := strings.Fields(ask("retrans backoff seq timeout_ms retries (e.g. 1 1 1 1000 5)"))
			pc, err := parseConfig(fields)
			if err != nil {
				util.LogWarning("%v", err)
				continue
			}
			if err := s.RequestConfig(ctx, pc); err != nil {
				util.LogWarning("config request failed: %v", err)
				continue
			}
			util.LogSuccess("config request accepted: %s", pc)

		case optLoss:
			loss, err := strconv.Atoi(ask("Loss percentage (0 ~ 100)"))
			if err != nil {
				util.LogWarning("invalid number")
				continue
			}
			util.LogInfo("injecting %d%% packet loss", s.InjectLoss(loss))

		case optShow:
			util.LogInfo("config: %s", s.Config())

		default:
			return
		}
		pterm.Println()
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func ask(prompt string) string {
	raw, _ := pterm.DefaultInteractiveTextInput.WithDefaultText(prompt).Show()
	pterm.Println()
	return strings.TrimSpace(raw)
}

// parseConfig reads five numeric fields: three flags, timeout and retries.
// Range checks are left to the server, which clamps.
func parseConfig(fields []string) (protocol.Config, error) {
	if len(fields) != 5 {
		return protocol.Config{}, fmt.Errorf("expected 5 config values, got %d", len(fields))
	}
	vals := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return protocol.Config{}, fmt.Errorf("invalid config value %q", f)
		}
		vals[i] = v
	}
	if vals[3] < 0 || vals[3] > 65535 || vals[4] < 0 || vals[4] > 255 {
		return protocol.Config{}, fmt.Errorf("timeout must be 0 ~ 65535 and retries 0 ~ 255")
	}
	return protocol.Config{
		Retransmission: vals[0] != 0,
		Backoff:        vals[1] != 0,
		Sequence:       vals[2] != 0,
		BaseTimeoutMs:  uint16(vals[3]),
		MaxRetries:     uint8(vals[4]),
	}, nil
}
