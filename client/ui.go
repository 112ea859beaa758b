package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Events forwarded from the network goroutine into the program.
type (
	chatMsg struct {
		room, from, text string
		at               time.Time
	}
	noticeMsg struct {
		kind noticeKind
		text string
	}
	roomsMsg []string
	usersMsg struct {
		room  string
		users []string
	}
	filesMsg struct {
		room  string
		files []string
	}
	closedMsg struct{}
)

type noticeKind int

const (
	noticeInfo noticeKind = iota
	noticeWarn
	noticeError
	noticeBanned
)

// programListener turns client events into tea messages.
func programListener(send func(tea.Msg)) Listener {
	notice := func(kind noticeKind) func(string) {
		return func(text string) { send(noticeMsg{kind: kind, text: text}) }
	}
	return Listener{
		OnRoomsUpdated: func(rooms []string) { send(roomsMsg(rooms)) },
		OnUsersUpdated: func(room string, users []string) { send(usersMsg{room, users}) },
		OnChatMessage: func(room, from, text string) {
			send(chatMsg{room: room, from: from, text: text, at: time.Now()})
		},
		OnInfo:             notice(noticeInfo),
		OnWarn:             notice(noticeWarn),
		OnError:            notice(noticeError),
		OnBanned:           notice(noticeBanned),
		OnConnectionClosed: func() { send(closedMsg{}) },
		OnFileList:         func(room string, files []string) { send(filesMsg{room, files}) },
		OnFileReceived: func(path string, size int64) {
			send(noticeMsg{kind: noticeInfo, text: fmt.Sprintf("Download saved: %s (%d bytes)", path, size)})
		},
	}
}

var (
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#3C3C8C")).Padding(0, 1)
	senderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFFF"))
	noticeStyles = map[noticeKind]lipgloss.Style{
		noticeInfo:   lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8A8A")),
		noticeWarn:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAF00")),
		noticeError:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")),
		noticeBanned: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF0000")),
	}
	noticeTags = map[noticeKind]string{
		noticeInfo:   "INFO",
		noticeWarn:   "WARN",
		noticeError:  "ERROR",
		noticeBanned: "BANNED",
	}
)

type modelState struct {
	client    *Client
	addr      string
	viewport  viewport.Model
	textInput textinput.Model
	messages  []string
	room      string
	rooms     []string
	users     []string
	online    bool
	ready     bool
}

func initialModel(c *Client, addr string) modelState {
	ti := textinput.New()
	ti.Placeholder = "Type a message or /help..."
	ti.Focus()
	ti.CharLimit = 4096
	ti.Width = 20

	return modelState{
		client:    c,
		addr:      addr,
		textInput: ti,
		online:    true,
	}
}

func (m modelState) Init() tea.Cmd {
	return textinput.Blink
}

func (m modelState) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if m.online {
				m.client.Logout()
			}
			return m, tea.Quit
		case tea.KeyEnter:
			content := m.textInput.Value()
			if strings.TrimSpace(content) == "" {
				return m, nil
			}
			m.textInput.SetValue("")
			if !m.online {
				m.appendLine(m.renderNotice(noticeError, "Not connected. Press Esc to quit."))
				return m, nil
			}

			note, quit, err := execute(m.client, content)
			if note != "" {
				m.appendLine(m.renderNotice(noticeInfo, note))
			}
			if err != nil {
				m.appendLine(m.renderNotice(noticeError, err.Error()))
			}
			if quit {
				return m, tea.Quit
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		headerHeight := 1
		footerHeight := 2
		verticalMarginHeight := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent(strings.Join(m.messages, "\n"))
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}
		m.textInput.Width = msg.Width - 3

	case chatMsg:
		m.appendLine(formatMessage(msg, m.viewport.Width))
		return m, nil

	case noticeMsg:
		m.appendLine(m.renderNotice(msg.kind, msg.text))
		return m, nil

	case roomsMsg:
		m.rooms = msg
		return m, nil

	case usersMsg:
		m.room = msg.room
		m.users = msg.users
		return m, nil

	case filesMsg:
		text := "Files in " + msg.room + ": (none)"
		if len(msg.files) > 0 {
			text = "Files in " + msg.room + ": " + strings.Join(msg.files, ", ")
		}
		m.appendLine(m.renderNotice(noticeInfo, text))
		return m, nil

	case closedMsg:
		m.online = false
		m.users = nil
		m.appendLine(m.renderNotice(noticeError, "Connection closed. Press Esc to quit."))
		return m, nil
	}

	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd)
}

func (m *modelState) appendLine(line string) {
	m.messages = append(m.messages, strings.TrimRight(line, "\n"))
	if m.ready {
		m.viewport.SetContent(strings.Join(m.messages, "\n"))
		m.viewport.GotoBottom()
	}
}

func (m modelState) renderNotice(kind noticeKind, text string) string {
	width := m.viewport.Width
	if width < 20 {
		width = 80
	}
	line := fmt.Sprintf("[%s] %s", noticeTags[kind], text)
	return noticeStyles[kind].Width(width).Render(line)
}

func (m modelState) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	return fmt.Sprintf("%s\n%s\n%s\n%s",
		m.header(),
		m.viewport.View(),
		borderStyle.Render(strings.Repeat("─", m.viewport.Width)),
		m.textInput.View(),
	)
}

func (m modelState) header() string {
	status := "offline"
	if m.online {
		status = m.addr
	}
	room := m.room
	if room == "" {
		room = "-"
	}
	text := fmt.Sprintf("%s │ room: %s │ users: %s │ rooms: %d",
		status, room, strings.Join(m.users, ", "), len(m.rooms))
	return headerStyle.Width(m.viewport.Width).MaxHeight(1).Render(text)
}

// formatMessage renders a chat line as
//
//	│ 15:04 │ sender          │ text wrapped to the remaining width
func formatMessage(msg chatMsg, width int) string {
	if width < 50 {
		width = 80
	}

	timeStr := msg.at.Format("15:04")

	from := msg.from
	if from == "" {
		from = "Unknown"
	}
	user := senderStyle.Render(from)
	userWidth := lipgloss.Width(user)
	if padding := 15 - userWidth; padding > 0 {
		user += strings.Repeat(" ", padding)
	}

	vLine := borderStyle.Render("│")
	prefix := fmt.Sprintf("%s %s %s %s %s ", vLine, timeStr, vLine, user, vLine)
	prefixWidth := lipgloss.Width(prefix)

	msgWidth := width - prefixWidth
	if msgWidth < 10 {
		msgWidth = 10
	}
	wrapped := lipgloss.NewStyle().Width(msgWidth).Render(msg.text)
	lines := strings.Split(wrapped, "\n")

	userSpace := userWidth
	if userSpace < 15 {
		userSpace = 15
	}
	emptyPrefix := fmt.Sprintf("%s %s %s %s %s ",
		vLine, strings.Repeat(" ", 5),
		vLine, strings.Repeat(" ", userSpace),
		vLine)

	var result strings.Builder
	result.WriteString(prefix)
	result.WriteString(lines[0])
	for _, l := range lines[1:] {
		result.WriteString("\n")
		result.WriteString(emptyPrefix)
		result.WriteString(l)
	}
	return result.String()
}
