// Chat demo TUI client.
//
// Screens
// -------
//
//	stateLogin – centered username prompt
//	stateChat  – full-screen chat with scrollable message viewport
//
// Concurrency
// -----------
//
//	The framework client dispatches incoming commands on its own
//	goroutine; the handlers forward typed events to the events
//	channel.  The Bubbletea loop consumes one event at a time via
//	waitForEvent (a tea.Cmd), queuing the next read after each one.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"msgnet/client"
	"msgnet/internal/chat"
	"msgnet/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ---------------------------------------------------------------------------
// Styles
// ---------------------------------------------------------------------------

var (
	purple = lipgloss.Color("99")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("75")
	yellow = lipgloss.Color("220")
	red    = lipgloss.Color("196")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(purple).
			Foreground(white).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(purple).
			Padding(0, 2)

	footerStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(gray).
			Padding(0, 1)

	hintStyle   = lipgloss.NewStyle().Foreground(gray).Italic(true)
	sysStyle    = lipgloss.NewStyle().Foreground(yellow).Italic(true)
	errStyle    = lipgloss.NewStyle().Foreground(red)
	myNameStyle = lipgloss.NewStyle().Bold(true).Foreground(orange)
	peerStyle   = lipgloss.NewStyle().Bold(true).Foreground(blue)
	tsStyle     = lipgloss.NewStyle().Foreground(gray)
)

// ---------------------------------------------------------------------------
// Bubbletea message types
// ---------------------------------------------------------------------------

type loginMsg chat.LoginResponse
type logoutMsg chat.LogoutResponse
type chatMsg chat.MessageResponse
type userlistMsg chat.UserlistUpdate
type historyMsg chat.HistoryResponse
type disconnectedMsg struct{}

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

type appState int

const (
	stateLogin appState = iota
	stateChat
)

type model struct {
	cli    *client.Client
	events chan tea.Msg

	state appState
	me    string

	loginInput textinput.Model
	statusMsg  string

	ready     bool
	viewport  viewport.Model
	chatInput textinput.Model
	chatLines []string
	online    int

	width, height int
}

func newModel(cli *client.Client, events chan tea.Msg) model {
	li := textinput.New()
	li.Placeholder = "username"
	li.CharLimit = 32
	li.Focus()

	ci := textinput.New()
	ci.Placeholder = "say something…"
	ci.CharLimit = 512

	return model{
		cli:        cli,
		events:     events,
		loginInput: li,
		chatInput:  ci,
	}
}

func (m model) waitForEvent() tea.Cmd {
	return func() tea.Msg { return <-m.events }
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForEvent())
}

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		bodyHeight := msg.Height - 4
		if !m.ready {
			m.viewport = viewport.New(msg.Width, bodyHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = bodyHeight
		}
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.logout()
			return m, tea.Quit
		case "enter":
			if m.state == stateLogin {
				return m.submitLogin()
			}
			return m.submitChat()
		}

	case loginMsg:
		if msg.Success {
			m.state = stateChat
			m.me = msg.Username
			m.chatInput.Focus()
			m.appendLine(sysStyle.Render("welcome, " + msg.Username))
		} else {
			m.statusMsg = errStyle.Render(msg.Reason)
		}
		return m, m.waitForEvent()

	case chatMsg:
		name := peerStyle.Render(msg.Username)
		if msg.Username == m.me {
			name = myNameStyle.Render(msg.Username)
		}
		stamp := tsStyle.Render(msg.Timestamp.Local().Format("15:04"))
		m.appendLine(fmt.Sprintf("%s %s  %s", stamp, name, msg.Text))
		return m, m.waitForEvent()

	case historyMsg:
		for _, h := range msg.Messages {
			stamp := tsStyle.Render(h.Timestamp.Local().Format("15:04"))
			m.appendLine(fmt.Sprintf("%s %s  %s", stamp, peerStyle.Render(h.Username), h.Text))
		}
		return m, m.waitForEvent()

	case userlistMsg:
		if msg.AddUser {
			m.online++
			if msg.Username != m.me {
				m.appendLine(sysStyle.Render(msg.Username + " joined"))
			}
		} else {
			m.online--
			m.appendLine(sysStyle.Render(msg.Username + " left"))
		}
		return m, m.waitForEvent()

	case logoutMsg:
		return m, tea.Quit

	case disconnectedMsg:
		m.appendLine(errStyle.Render("connection to server lost"))
		return m, tea.Quit
	}

	var cmd tea.Cmd
	switch m.state {
	case stateLogin:
		m.loginInput, cmd = m.loginInput.Update(msg)
	case stateChat:
		m.chatInput, cmd = m.chatInput.Update(msg)
	}
	return m, cmd
}

func (m model) submitLogin() (tea.Model, tea.Cmd) {
	name := strings.TrimSpace(m.loginInput.Value())
	if name == "" {
		m.statusMsg = errStyle.Render("username must not be empty")
		return m, nil
	}
	if err := m.cli.Push(chat.LoginRequest{
		Base:     protocol.Tag(chat.CmdLoginRequest),
		Username: name,
	}); err != nil {
		m.statusMsg = errStyle.Render(err.Error())
	}
	return m, nil
}

func (m model) submitChat() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.chatInput.Value())
	if text == "" {
		return m, nil
	}
	m.chatInput.SetValue("")
	if err := m.cli.Push(chat.MessageRequest{
		Base: protocol.Tag(chat.CmdMessageRequest),
		Text: text,
	}); err != nil {
		m.appendLine(errStyle.Render("send failed: " + err.Error()))
	}
	return m, nil
}

func (m *model) logout() {
	_ = m.cli.Push(chat.LogoutRequest{Base: protocol.Tag(chat.CmdLogoutRequest)})
	m.cli.Shutdown(true)
}

func (m *model) appendLine(line string) {
	m.chatLines = append(m.chatLines, line)
	m.refreshViewport()
}

func (m *model) refreshViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
	m.viewport.GotoBottom()
}

// ---------------------------------------------------------------------------
// View
// ---------------------------------------------------------------------------

func (m model) View() string {
	switch m.state {
	case stateLogin:
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center,
			titleStyle.Render("msgnet chat")+"\n\n"+
				m.loginInput.View()+"\n\n"+
				m.statusMsg+"\n"+
				hintStyle.Render("enter to join · esc to quit"))
	default:
		header := headerStyle.Render(fmt.Sprintf("msgnet chat — %s · %d online", m.me, m.online))
		footer := footerStyle.Width(m.width).Render(m.chatInput.View())
		if !m.ready {
			return header
		}
		return header + "\n" + m.viewport.View() + "\n" + footer
	}
}

// ---------------------------------------------------------------------------
// Wiring
// ---------------------------------------------------------------------------

// attach bridges framework callbacks into the tea event channel.
func attach(cli *client.Client, events chan tea.Msg) {
	forward := func(cmd protocol.CommandID, decode func(protocol.Raw) (tea.Msg, bool)) {
		cli.Handle(cmd, func(body protocol.Raw) {
			if msg, ok := decode(body); ok {
				events <- msg
			}
		})
	}

	forward(chat.CmdLoginResponse, func(body protocol.Raw) (tea.Msg, bool) {
		var r chat.LoginResponse
		return loginMsg(r), json.Unmarshal(body, &r) == nil
	})
	forward(chat.CmdLogoutResponse, func(body protocol.Raw) (tea.Msg, bool) {
		var r chat.LogoutResponse
		return logoutMsg(r), json.Unmarshal(body, &r) == nil
	})
	forward(chat.CmdMessageResponse, func(body protocol.Raw) (tea.Msg, bool) {
		var r chat.MessageResponse
		return chatMsg(r), json.Unmarshal(body, &r) == nil
	})
	forward(chat.CmdUserlistUpdate, func(body protocol.Raw) (tea.Msg, bool) {
		var r chat.UserlistUpdate
		return userlistMsg(r), json.Unmarshal(body, &r) == nil
	})
	forward(chat.CmdHistoryResponse, func(body protocol.Raw) (tea.Msg, bool) {
		var r chat.HistoryResponse
		return historyMsg(r), json.Unmarshal(body, &r) == nil
	})
}

func main() {
	host := flag.String("host", "127.0.0.1", "server host")
	port := flag.Uint("port", 8080, "server port")
	flag.Parse()

	cli := client.New(client.Config{Logger: zerolog.Nop()})
	events := make(chan tea.Msg, 64)
	attach(cli, events)

	if err := cli.Connect(*host, uint16(*port)); err != nil {
		fmt.Fprintf(os.Stderr, "connect to %s:%d: %v\n", *host, *port, err)
		os.Exit(1)
	}

	// Surface a dropped connection to the UI.  The client's network
	// loop notices the drop within its own poll interval; this watcher
	// only has to be coarser.
	go func() {
		for cli.Online() {
			time.Sleep(250 * time.Millisecond)
		}
		events <- disconnectedMsg{}
	}()

	p := tea.NewProgram(newModel(cli, events), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "ui error:", err)
		os.Exit(1)
	}
	cli.Shutdown(true)
}
