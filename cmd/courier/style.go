package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/kleeedolinux/courier.go/socket"
)

var (
	connectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	pendingStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	offlineStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	topicStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33"))

	typeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)

// renderState is the connectivity indicator shown by tail.
func renderState(s socket.State) string {
	switch s {
	case socket.StateConnected:
		return connectedStyle.Render("● online")
	case socket.StateConnecting, socket.StateReconnecting:
		return pendingStyle.Render("◌ " + s.String())
	default:
		return offlineStyle.Render("○ offline")
	}
}

func renderEvent(ev socket.Event) string {
	var b strings.Builder
	b.WriteString(metaStyle.Render(time.Now().Format("15:04:05")))
	b.WriteString(" ")
	b.WriteString(topicStyle.Render(ev.Topic))
	b.WriteString(" ")
	b.WriteString(typeStyle.Render(string(ev.Type)))
	if ev.HasSeq {
		b.WriteString(metaStyle.Render(fmt.Sprintf(" #%d", ev.Seq)))
	}
	b.WriteString(" ")
	b.WriteString(string(ev.Raw))
	return b.String()
}
