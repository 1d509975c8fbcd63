package router

import (
	"strings"

	kit "ethgasmeter/internal/transport"
)

const (
	maxMenuEntries   = 100
	maxCommandLen    = 32
	maxMenuDescBytes = 256
)

// sanitizeTelegramCommand maps a route name onto Telegram's command
// alphabet [a-z0-9_]{1,32}. Separators collapse into one underscore and
// a leading digit gets a "cmd_" prefix. "" means the name is unusable.
func sanitizeTelegramCommand(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		case r == '_', r == '-', r == '/', r == ' ', r == '\t':
			pendingSep = true
		}
	}
	out := b.String()
	if out == "" {
		return ""
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxCommandLen {
		out = strings.TrimRight(out[:maxCommandLen], "_")
	}
	return out
}

// buildMenuCommands keeps registration order so the menu reads like /help.
func buildMenuCommands(cmds []Command) []kit.BotCommand {
	seen := make(map[string]bool, len(cmds))
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		desc := strings.Join(strings.Fields(c.Description), " ")
		if desc == "" {
			desc = name
		}
		if len(desc) > maxMenuDescBytes {
			desc = desc[:maxMenuDescBytes]
		}
		out = append(out, kit.BotCommand{Command: name, Description: desc})
		if len(out) == maxMenuEntries {
			break
		}
	}
	return out
}
