package router

import (
	"sort"
	"strings"
)

func (m *Manager) helpText(args []string) string {
	if len(args) > 0 {
		c, ok := m.lookup(sanitizeCommand(args[0]))
		if !ok {
			return "Unknown command. Try /help"
		}
		lines := []string{"/" + c.Name + ": " + c.Description}
		if c.Usage != "" {
			lines = append(lines, "Usage: "+c.Usage)
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "Aliases: /"+strings.Join(c.Aliases, ", /"))
		}
		return strings.Join(lines, "\n")
	}

	m.mu.RLock()
	cmds := append([]Command(nil), m.cmds...)
	m.mu.RUnlock()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

	var b strings.Builder
	b.WriteString("Commands (send /help <command> for details):\n")
	for _, c := range cmds {
		b.WriteString("\n/")
		b.WriteString(c.Name)
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
	}
	return b.String()
}
