// Hybridsync: CLI entry point.
//
// This tool streams lecture audio together with whiteboard strokes. A
// broadcaster slices the audio into packets that carry the strokes drawn
// during each slice; listeners buffer the packets, play the audio and replay
// every stroke in step with it. Packets travel through a relay room or a
// direct WebRTC DataChannel.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -class, -transport, -relay, -audio, -out, ...).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/hybridsync/internal/app"
	"github.com/1ureka/hybridsync/internal/config"
	"github.com/1ureka/hybridsync/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	role := flag.String("role", "", "Role: broadcast, listen, relay or demo")
	configPath := flag.String("config", "", "YAML config file; flags override its values")
	classID := flag.String("class", "", "Class id (relay room)")
	transportFlag := flag.String("transport", "", "Transport: relay or webrtc")
	relayFlag := flag.String("relay", "", "Relay address, e.g. ws://localhost:8080")
	wsPortFlag := flag.Int("wsPort", 0, "WebSocket signaling server port (webrtc broadcaster only)")
	wsListenFlag := flag.Bool("wsListen", false, "Listen on all network interfaces (webrtc broadcaster only, for LAN access)")
	wsURLFlag := flag.String("wsUrl", "", "Broadcaster signaling URL including ?pin= (webrtc listener only)")
	listenFlag := flag.String("listen", "", "Relay listen address (relay only)")
	audioFlag := flag.String("audio", "", "Audio file to broadcast: .wav, .mp3 or .ogg")
	outFlag := flag.String("out", "", "Where listeners write decoded s16le PCM, '-' for stdout")
	metricsFlag := flag.String("metrics", "", "Serve Prometheus metrics on this address")
	chunkFlag := flag.Int("chunk", 0, "Slice interval in milliseconds")
	depthFlag := flag.Int("depth", 0, "Packets buffered before playback starts")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags the user set win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "role":
			cfg.Role = config.Role(*role)
		case "class":
			cfg.ClassID = *classID
		case "transport":
			cfg.Transport = *transportFlag
		case "relay":
			cfg.RelayURL = *relayFlag
		case "wsUrl":
			cfg.SignalURL = *wsURLFlag
		case "listen":
			cfg.ListenAddr = *listenFlag
		case "audio":
			cfg.AudioPath = *audioFlag
		case "out":
			cfg.OutputPath = *outFlag
		case "metrics":
			cfg.MetricsAddr = *metricsFlag
		case "chunk":
			cfg.ChunkIntervalMs = *chunkFlag
		case "depth":
			cfg.MinBufferDepth = *depthFlag
		}
	})

	switch {
	case *wsListenFlag:
		cfg.SignalAddr = fmt.Sprintf(":%d", *wsPortFlag)
	case *wsPortFlag > 0:
		cfg.SignalAddr = fmt.Sprintf("127.0.0.1:%d", *wsPortFlag)
	}

	if cfg.OutputPath != "-" {
		pterm.Info.Println(fmt.Sprintf("Hybridsync — v%s", version))
		pterm.Println()
	}

	if cfg.Role == "" {
		// No role → interactive mode.
		cfg = askConfig(cfg)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if cfg.SignalURL != "" {
		signalURL, err := normalizeWSURL(cfg.SignalURL)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.SignalURL = signalURL
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("session closed")
}

// run dispatches to the role of cfg.
func run(ctx context.Context, cfg config.Config) error {
	switch cfg.Role {
	case config.RoleBroadcaster:
		if cfg.ClassID == "" && cfg.Transport == config.TransportRelay {
			return fmt.Errorf("missing -class for the relay transport")
		}
		return app.RunBroadcaster(ctx, cfg, os.Stdin)

	case config.RoleReceiver:
		out, err := app.OpenOutput(cfg.OutputPath)
		if err != nil {
			return err
		}
		return app.RunListener(ctx, cfg, out)

	case config.RoleRelay:
		return app.RunRelay(ctx, cfg)

	case config.RoleDemo:
		out, err := app.OpenOutput(cfg.OutputPath)
		if err != nil {
			return err
		}
		_, err = app.RunDemo(ctx, cfg, out)
		return err

	default:
		return fmt.Errorf("invalid -role: must be 'broadcast', 'listen', 'relay' or 'demo'")
	}
}

// ---------------------------------------------------------------------------
// Interactive mode
// ---------------------------------------------------------------------------

// askConfig fills in a role and what it needs through interactive prompts.
func askConfig(cfg config.Config) config.Config {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Broadcast — Stream a lecture with whiteboard strokes",
			"Listen    — Follow a live lecture",
			"Relay     — Host class rooms for broadcasters and listeners",
			"Demo      — Broadcaster and listener in this process",
		}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(choice, "Broadcast"):
		cfg.Role = config.RoleBroadcaster
		cfg.AudioPath = askText("Audio file (.wav, .mp3 or .ogg)", func(s string) bool { return s != "" })
		cfg = askTransport(cfg)

	case strings.HasPrefix(choice, "Listen"):
		cfg.Role = config.RoleReceiver
		cfg = askTransport(cfg)
		cfg.OutputPath = askText("Write decoded PCM to (file path, empty to discard)", func(string) bool { return true })

	case strings.HasPrefix(choice, "Relay"):
		cfg.Role = config.RoleRelay
		port := askPort("Relay port (1 ~ 65535)")
		cfg.ListenAddr = fmt.Sprintf(":%d", port)

	default:
		cfg.Role = config.RoleDemo
	}

	return cfg
}

// askTransport prompts for the link of a broadcaster or listener.
func askTransport(cfg config.Config) config.Config {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Relay  — Join a class room on a relay", "WebRTC — Direct link to one peer"}).
		WithDefaultText("Select the transport").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Relay") {
		cfg.Transport = config.TransportRelay
		cfg.RelayURL = askText("Relay address (e.g. ws://localhost:8080)", validRelayURL)
		cfg.ClassID = askText("Class id", func(s string) bool { return s != "" })
		return cfg
	}

	cfg.Transport = config.TransportWebRTC
	if cfg.Role == config.RoleReceiver {
		cfg.SignalURL = askText("WebSocket URL (e.g. wss://***.asse.devtunnels.ms/ws?pin=123456)", func(s string) bool {
			_, err := normalizeWSURL(s)
			return err == nil
		})
	}
	return cfg
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a signaling URL and forces the /ws path. The
// query (the PIN) is kept.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	if u.Query().Get("pin") == "" {
		return "", fmt.Errorf("WebSocket URL has no ?pin=: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws?%s", scheme, u.Host, u.RawQuery), nil
}

func validRelayURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	return err == nil && u.Host != ""
}

// askText prompts until valid accepts the trimmed input.
func askText(prompt string, valid func(string) bool) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		value := strings.TrimSpace(raw)
		if valid(value) {
			pterm.Println()
			return value
		}

		pterm.Println()
		util.LogWarning("invalid input, please try again")
	}
}

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}
