package main

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"time"

	"fyne.io/systray"
	"github.com/rs/zerolog"

	"github.com/solenoid-labs/cardterm/buildinfo"
	"github.com/solenoid-labs/cardterm/reader"
)

// getLocalIPs returns the local IPv4 addresses, loopback excluded.
func getLocalIPs() []string {
	var ips []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				ips = append(ips, ipNet.IP.String())
			}
		}
	}
	return ips
}

// SystrayApp manages the system tray interface for the agent.
type SystrayApp struct {
	agent *Agent
	log   zerolog.Logger

	mStatus     *systray.MenuItem
	mServerURL  *systray.MenuItem
	mCopyURL    *systray.MenuItem
	mReaderMenu *systray.MenuItem
	mCardState  *systray.MenuItem
	mStart      *systray.MenuItem
	mStop       *systray.MenuItem

	readerMenuItems map[string]*systray.MenuItem
}

// NewSystrayApp creates a systray application around an agent.
func NewSystrayApp(agent *Agent, log zerolog.Logger) *SystrayApp {
	return &SystrayApp{
		agent:           agent,
		log:             log,
		readerMenuItems: make(map[string]*systray.MenuItem),
	}
}

// Run starts the systray loop and blocks until quit.
func (s *SystrayApp) Run() {
	systray.Run(s.onReady, s.onExit)
}

func (s *SystrayApp) onReady() {
	s.setupUI()
	s.autoStartAgent()
	s.startReaderInfoUpdater()
}

func (s *SystrayApp) onExit() {
	s.agent.Stop()
}

// setupUI initializes all menu items.
func (s *SystrayApp) setupUI() {
	systray.SetIcon(iconData)
	systray.SetTooltip(buildinfo.DisplayName)

	// Status section
	s.mStatus = systray.AddMenuItem("Starting...", "Agent status")
	s.mStatus.Disable()

	s.mServerURL = systray.AddMenuItem("Server: Not running", "WebSocket API URL")
	s.mServerURL.Disable()
	s.mCopyURL = systray.AddMenuItem("Copy Server URL", "Copy the WebSocket URL to the clipboard")

	systray.AddSeparator()

	// Reader section
	s.mReaderMenu = systray.AddMenuItem("Readers", "Attached readers")
	s.mCardState = systray.AddMenuItem("Card: None", "Current card state")
	s.mCardState.Disable()

	systray.AddSeparator()

	// Agent control section
	s.mStart = systray.AddMenuItem("Start Agent", "Start the agent")
	s.mStop = systray.AddMenuItem("Stop Agent", "Stop the agent")
	s.mStart.Disable() // auto-starting
	s.mStop.Disable()

	systray.AddSeparator()
	mQuit := systray.AddMenuItem("Quit", "Quit the application")

	go s.handleMenuEvents(mQuit)
}

// autoStartAgent starts the agent in the background.
func (s *SystrayApp) autoStartAgent() {
	go func() {
		if err := s.agent.Start(); err == nil {
			s.mStatus.SetTitle("Running")
			s.mServerURL.SetTitle("Server: " + s.serverURL())
			s.mStop.Enable()
		} else {
			s.log.Error().Err(err).Msg("agent start failed")
			s.mStatus.SetTitle("Failed to Start")
			s.mStart.Enable()
		}
	}()
}

// startReaderInfoUpdater refreshes the reader and card display periodically.
func (s *SystrayApp) startReaderInfoUpdater() {
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		lastSummary := ""

		for range ticker.C {
			summary := s.cardSummary()
			if summary != lastSummary {
				s.mCardState.SetTitle("Card: " + summary)
				lastSummary = summary
			}
			s.updateReaderList()
		}
	}()
}

// cardSummary describes the first reader with a card, or "None".
func (s *SystrayApp) cardSummary() string {
	registry := s.agent.Registry()
	if registry == nil {
		return "None"
	}
	for _, name := range registry.Names() {
		m, ok := registry.Monitor(name)
		if !ok {
			continue
		}
		if state := m.State(); state != reader.StateNoCard {
			return fmt.Sprintf("%s (%s)", state, name)
		}
	}
	return "None"
}

// updateReaderList mirrors the registry into the readers submenu.
func (s *SystrayApp) updateReaderList() {
	registry := s.agent.Registry()
	if registry == nil {
		return
	}

	names := registry.Names()
	current := make(map[string]bool, len(names))
	for _, name := range names {
		current[name] = true
		if _, ok := s.readerMenuItems[name]; !ok {
			item := s.mReaderMenu.AddSubMenuItem(name, "Attached reader")
			item.Disable()
			s.readerMenuItems[name] = item
		}
	}

	for name, item := range s.readerMenuItems {
		if !current[name] {
			item.Hide()
			delete(s.readerMenuItems, name)
		}
	}
}

// handleMenuEvents processes menu click events.
func (s *SystrayApp) handleMenuEvents(mQuit *systray.MenuItem) {
	for {
		select {
		case <-s.mStart.ClickedCh:
			if err := s.agent.Start(); err == nil {
				s.mStatus.SetTitle("Running")
				s.mServerURL.SetTitle("Server: " + s.serverURL())
				s.mStart.Disable()
				s.mStop.Enable()
			} else {
				s.log.Error().Err(err).Msg("agent start failed")
				s.mStatus.SetTitle("Failed to Start")
			}
		case <-s.mStop.ClickedCh:
			s.agent.Stop()
			s.mStatus.SetTitle("Stopped")
			s.mServerURL.SetTitle("Server: Not running")
			s.mStop.Disable()
			s.mStart.Enable()
		case <-s.mCopyURL.ClickedCh:
			if url := s.serverURL(); url != "" {
				if err := copyToClipboard(url); err != nil {
					s.log.Warn().Err(err).Msg("clipboard copy failed")
				}
			}
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

// serverURL returns the WebSocket URL clients should connect to.
func (s *SystrayApp) serverURL() string {
	ip := "localhost"
	if ips := getLocalIPs(); len(ips) > 0 {
		ip = ips[0]
	}
	return fmt.Sprintf("ws://%s:%d/ws", ip, s.agent.config.Port)
}

// copyToClipboard copies text to the system clipboard.
func copyToClipboard(text string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "linux":
		cmd = exec.Command("xclip", "-selection", "clipboard")
	case "windows":
		cmd = exec.Command("clip")
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	if _, err := stdin.Write([]byte(text)); err != nil {
		return err
	}

	stdin.Close()
	return cmd.Wait()
}
