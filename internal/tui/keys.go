package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap holds the conversation view bindings. Plain keys go to the
// composer, so every binding uses a modifier or a non-printing key.
type KeyMap struct {
	Send       key.Binding
	NextFilter key.Binding
	Retry      key.Binding // retry the most recent failed message
	Dismiss    key.Binding // drop the most recent failed message
	Reconnect  key.Binding
	PageUp     key.Binding
	PageDown   key.Binding
	Quit       key.Binding
}

// DefaultKeyMap is the built-in binding set.
var DefaultKeyMap = KeyMap{
	Send: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "send"),
	),
	NextFilter: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "filter"),
	),
	Retry: key.NewBinding(
		key.WithKeys("ctrl+r"),
		key.WithHelp("C-r", "retry"),
	),
	Dismiss: key.NewBinding(
		key.WithKeys("ctrl+x"),
		key.WithHelp("C-x", "dismiss"),
	),
	Reconnect: key.NewBinding(
		key.WithKeys("ctrl+o"),
		key.WithHelp("C-o", "reconnect"),
	),
	PageUp: key.NewBinding(
		key.WithKeys("pgup"),
		key.WithHelp("pgup", "scroll up"),
	),
	PageDown: key.NewBinding(
		key.WithKeys("pgdown"),
		key.WithHelp("pgdn", "scroll down"),
	),
	Quit: key.NewBinding(
		key.WithKeys("ctrl+c", "esc"),
		key.WithHelp("C-c", "quit"),
	),
}

// ShortHelp lists the bindings shown in the footer.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Send, k.NextFilter, k.Retry, k.Dismiss, k.Reconnect, k.Quit}
}
