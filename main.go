// Package main runs the card terminal agent. It bridges physical smart-card
// readers (PC/SC and libnfc) to a local WebSocket API and, by default, a
// system tray UI.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fyne.io/systray"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/solenoid-labs/cardterm/buildinfo"
)

var (
	defaultPort = 18080

	portFlag         int
	cliFlag          bool
	apiSecretFlag    string
	mockFlag         bool
	pollIntervalFlag time.Duration
	logFileFlag      string
	verboseFlag      bool
	versionFlag      bool
)

// setupLogging builds the process logger. Console output always, plus a
// rotating file when -log-file is set.
func setupLogging() zerolog.Logger {
	var writers []io.Writer
	writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if logFileFlag != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   logFileFlag,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	level := zerolog.InfoLevel
	if verboseFlag {
		level = zerolog.DebugLevel
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Str("app", buildinfo.Name).Logger()
}

func main() {
	flag.IntVar(&portFlag, "port", defaultPort, "Port to listen on for the WebSocket API")
	flag.BoolVar(&cliFlag, "cli", false, "Run in CLI mode (default: system tray mode)")
	flag.StringVar(&apiSecretFlag, "api-secret", "", "API secret for session handshake (optional)")
	flag.BoolVar(&mockFlag, "mock", false, "Serve a simulated reader (no hardware required)")
	flag.DurationVar(&pollIntervalFlag, "poll-interval", 0, "Card presence poll interval (default 250ms)")
	flag.StringVar(&logFileFlag, "log-file", "", "Write logs to this file with rotation (optional)")
	flag.BoolVar(&verboseFlag, "verbose", false, "Enable debug logging")
	flag.BoolVar(&versionFlag, "version", false, "Print version information and exit")
	flag.Parse()

	if versionFlag {
		fmt.Println(buildinfo.BuildInfo())
		return
	}

	log := setupLogging()
	log.Info().Str("version", buildinfo.FullVersion()).Msg("starting")

	agent := NewAgent(AgentConfig{
		Port:         portFlag,
		APISecret:    apiSecretFlag,
		PollInterval: pollIntervalFlag,
		UseMock:      mockFlag,
		Log:          log,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if cliFlag {
		if err := agent.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start agent")
		}
		defer agent.Stop()

		<-sigChan
		log.Info().Msg("shutdown signal received")
		return
	}

	// Default systray mode.
	go func() {
		<-sigChan
		systray.Quit()
	}()

	app := NewSystrayApp(agent, log)
	app.Run()
}
