package ui

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ojoquinhaa/dezap/internal/core"
	"github.com/ojoquinhaa/dezap/pkg/protocol"
)

// eventMsg wraps a core event for the bubbletea loop.
type eventMsg struct {
	ev core.Event
}

// pendingOffer is an incoming file offer awaiting /accept or /decline.
type pendingOffer struct {
	id   protocol.OfferID
	from string
	name string
	size uint64
}

// Model is the interactive chat view. It consumes the service's event
// stream and translates slash commands into service commands.
type Model struct {
	svc    *core.Service
	events <-chan core.Event

	handle      string
	downloadDir string

	input   textinput.Model
	spinner spinner.Model

	lines    []string
	session  core.SessionID
	peer     string
	online   bool
	listenOn string
	offers   map[string]pendingOffer
	progress map[string]float64

	Exit bool
	Err  error
}

// NewModel builds the TUI around a running service.
func NewModel(svc *core.Service, handle, downloadDir string) Model {
	ti := textinput.New()
	ti.Placeholder = "message, or /help"
	ti.Focus()
	ti.CharLimit = 4096
	ti.Width = 64

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ColorSecondary)

	return Model{
		svc:         svc,
		events:      svc.Events(),
		handle:      handle,
		downloadDir: downloadDir,
		input:       ti,
		spinner:     s,
		offers:      make(map[string]pendingOffer),
		progress:    make(map[string]float64),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent())
}

// waitForEvent reads one service event into the bubbletea loop.
func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return tea.Quit()
		}
		return eventMsg{ev: ev}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.Exit = true
			m.svc.Submit(core.Shutdown{})
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if line != "" {
				m.handleInput(line)
			}
			return m, nil
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.handleEvent(msg.ev)
		return m, m.waitForEvent()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleInput(line string) {
	if !strings.HasPrefix(line, "/") {
		if !m.online {
			m.status("not connected; use /connect <addr>")
			return
		}
		if err := m.svc.Submit(core.SendText{Session: m.session, Body: line}); err != nil {
			m.status(fmt.Sprintf("send failed: %v", err))
			return
		}
		m.lines = append(m.lines, fmt.Sprintf("%s %s", LocalHandleStyle.Render(m.handle+":"), line))
		return
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		m.status("/connect <addr> [password] · /send <path> · /accept <offer> [target] · /decline <offer> · /discover · /disconnect · /quit")
	case "/connect":
		if len(fields) < 2 {
			m.status("usage: /connect <addr> [password]")
			return
		}
		password := ""
		if len(fields) > 2 {
			password = fields[2]
		}
		m.submit(core.Connect{Addr: fields[1], Password: password})
	case "/disconnect":
		if m.online {
			m.submit(core.Disconnect{Session: m.session})
		}
	case "/send":
		if len(fields) < 2 || !m.online {
			m.status("usage: /send <path> (while connected)")
			return
		}
		m.submit(core.SendFile{Session: m.session, Path: fields[1]})
	case "/accept":
		if len(fields) < 2 {
			m.status("usage: /accept <offer-prefix> [target]")
			return
		}
		offer, ok := m.findOffer(fields[1])
		if !ok {
			m.status("no such offer")
			return
		}
		target := filepath.Join(m.downloadDir, offer.name)
		if len(fields) > 2 {
			target = fields[2]
		}
		m.submit(core.AcceptFile{OfferID: offer.id, TargetPath: target})
	case "/decline":
		if len(fields) < 2 {
			m.status("usage: /decline <offer-prefix>")
			return
		}
		offer, ok := m.findOffer(fields[1])
		if !ok {
			m.status("no such offer")
			return
		}
		m.submit(core.DeclineFile{OfferID: offer.id})
	case "/discover":
		m.submit(core.Discover{})
	case "/quit":
		m.Exit = true
		m.svc.Submit(core.Shutdown{})
	default:
		m.status("unknown command; /help")
	}
}

func (m *Model) submit(cmd core.Command) {
	if err := m.svc.Submit(cmd); err != nil {
		m.status(fmt.Sprintf("rejected: %v", err))
	}
}

func (m *Model) findOffer(prefix string) (pendingOffer, bool) {
	for key, offer := range m.offers {
		if strings.HasPrefix(key, prefix) {
			return offer, true
		}
	}
	return pendingOffer{}, false
}

func (m *Model) status(s string) {
	m.lines = append(m.lines, StatusStyle.Render("· "+s))
}

func (m *Model) handleEvent(ev core.Event) {
	switch e := ev.(type) {
	case core.ListenerStarted:
		m.listenOn = e.Addr
		m.status("listening on " + e.Addr)
	case core.ListenerStopped:
		m.listenOn = ""
		m.status("listener stopped")
	case core.Connecting:
		m.status("connecting to " + e.Addr + "...")
	case core.Connected:
		m.session = e.Session
		m.peer = e.Handle
		m.online = true
		m.status(fmt.Sprintf("connected to %s (%s)", e.Handle, e.Addr))
	case core.Disconnected:
		if e.Session == m.session {
			m.online = false
		}
		m.status(fmt.Sprintf("disconnected: %s", e.Reason))
	case core.MessageReceived:
		m.lines = append(m.lines, fmt.Sprintf("%s %s", HandleStyle.Render(m.peer+":"), e.Body))
	case core.MessageFailed:
		m.lines = append(m.lines, ErrorStyle.Render(fmt.Sprintf("message failed: %s", e.Kind)))
	case core.FileOfferReceived:
		key := hex.EncodeToString(e.OfferID[:])
		m.offers[key] = pendingOffer{id: e.OfferID, from: m.peer, name: e.SaveName, size: e.Meta.OriginalSize}
		m.lines = append(m.lines, OfferStyle.Render(fmt.Sprintf(
			"incoming file %q (%s) — /accept %s or /decline %s",
			e.SaveName, formatBytes(int64(e.Meta.OriginalSize)), key[:8], key[:8])))
	case core.FileOfferRejected:
		delete(m.offers, hex.EncodeToString(e.OfferID[:]))
		m.status(fmt.Sprintf("file offer rejected: %s", e.Reason))
	case core.FileTransferProgress:
		if e.Total > 0 {
			m.progress[hex.EncodeToString(e.OfferID[:])] = float64(e.BytesTransferred) / float64(e.Total)
		}
	case core.FileTransferCompleted:
		key := hex.EncodeToString(e.OfferID[:])
		delete(m.offers, key)
		delete(m.progress, key)
		m.status("file transfer complete: " + e.Path)
	case core.FileTransferFailed:
		key := hex.EncodeToString(e.OfferID[:])
		delete(m.offers, key)
		delete(m.progress, key)
		m.lines = append(m.lines, ErrorStyle.Render(fmt.Sprintf("file transfer failed: %s", e.Kind)))
	case core.DiscoveredPeers:
		if len(e.Peers) == 0 {
			m.status("no peers found")
			return
		}
		for _, p := range e.Peers {
			m.status(fmt.Sprintf("found %s at %s — /connect %s", p.Handle, p.Addr, p.Addr))
		}
	case core.Error:
		m.lines = append(m.lines, ErrorStyle.Render(fmt.Sprintf("%s: %s", e.Kind, e.Detail)))
	}
}

func (m Model) View() string {
	header := TitleStyle.Render("DEZAP") + " " + StatusStyle.Render(m.headerLine())

	// Last screenful of chat lines.
	const visible = 16
	lines := m.lines
	if len(lines) > visible {
		lines = lines[len(lines)-visible:]
	}
	log := strings.Join(lines, "\n")
	if log == "" {
		log = StatusStyle.Render("no messages yet")
	}

	var bars []string
	for key, ratio := range m.progress {
		bars = append(bars, fmt.Sprintf("%s %s", StatLabelStyle.Render(key[:8]), ViewProgress(ratio, 50)))
	}

	parts := []string{header, "", log}
	if len(bars) > 0 {
		parts = append(parts, "", strings.Join(bars, "\n"))
	}
	parts = append(parts, "", m.input.View())

	return ContainerStyle.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) headerLine() string {
	var parts []string
	parts = append(parts, m.handle)
	if m.listenOn != "" {
		parts = append(parts, "listening "+m.listenOn)
	}
	if m.online {
		parts = append(parts, "chatting with "+m.peer)
	} else {
		parts = append(parts, m.spinner.View()+" idle")
	}
	parts = append(parts, time.Now().Format("15:04"))
	return strings.Join(parts, " · ")
}
