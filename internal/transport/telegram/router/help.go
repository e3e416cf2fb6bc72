package router

import (
	"html"
	"strings"
)

// helpText renders the command list for HTML parse mode.
func (m *Router) helpText() string {
	lines := []string{"📚 <b>Commands</b>", ""}
	for _, c := range m.Commands() {
		line := "/" + html.EscapeString(c.Name)
		if c.Usage != "" {
			line = "<code>" + html.EscapeString(c.Usage) + "</code>"
		}
		if c.Description != "" {
			line += " · " + html.EscapeString(c.Description)
		}
		if c.Access == AccessOwnerOnly {
			line = "🔒 " + line
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
