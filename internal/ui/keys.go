package ui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the keyboard bindings for the chat TUI.
type KeyMap struct {
	NextRoom  key.Binding
	PrevRoom  key.Binding
	OpenRoom  key.Binding
	CloseRoom key.Binding
	Send      key.Binding
	Cancel    key.Binding
	Presence  key.Binding
	Quit      key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		OpenRoom: key.NewBinding(
			key.WithKeys("ctrl+o"),
			key.WithHelp("ctrl+o", "open room"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "cancel"),
		),
		NextRoom: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "next room"),
		),
		PrevRoom: key.NewBinding(
			key.WithKeys("shift+tab"),
			key.WithHelp("shift+tab", "prev room"),
		),
		CloseRoom: key.NewBinding(
			key.WithKeys("ctrl+w"),
			key.WithHelp("ctrl+w", "close room"),
		),
		Send: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "send"),
		),
		Presence: key.NewBinding(
			key.WithKeys("ctrl+p"),
			key.WithHelp("ctrl+p", "cycle presence"),
		),
		Quit: key.NewBinding(
			key.WithKeys("ctrl+c"),
			key.WithHelp("ctrl+c", "quit"),
		),
	}
}
