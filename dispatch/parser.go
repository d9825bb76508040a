package dispatch

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/halcyonsky/murmur/conversation"
)

var reJSONFence = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// JSONBlockParser extracts commands from assistant output. It accepts a
// fenced ```json block or a bare JSON payload, in three shapes: a single
// command object, an array of command objects, or {"commands": [...]}.
// Output with no recognizable payload parses as plain prose.
type JSONBlockParser struct{}

// Parse returns the commands found in output, or nil for plain prose.
func (JSONBlockParser) Parse(output string) []conversation.Command {
	var payloads []string
	for _, m := range reJSONFence.FindAllStringSubmatch(output, -1) {
		payloads = append(payloads, m[1])
	}
	if len(payloads) == 0 {
		trimmed := strings.TrimSpace(output)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			payloads = append(payloads, trimmed)
		}
	}

	var cmds []conversation.Command
	for _, payload := range payloads {
		cmds = append(cmds, decodeCommands(payload)...)
	}
	return cmds
}

func decodeCommands(payload string) []conversation.Command {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}

	if strings.HasPrefix(payload, "[") {
		var list []conversation.Command
		if err := json.Unmarshal([]byte(payload), &list); err != nil {
			return nil
		}
		return named(list)
	}

	var wrapper struct {
		Commands []conversation.Command `json:"commands"`
	}
	if err := json.Unmarshal([]byte(payload), &wrapper); err == nil && len(wrapper.Commands) > 0 {
		return named(wrapper.Commands)
	}

	var single conversation.Command
	if err := json.Unmarshal([]byte(payload), &single); err != nil || single.Name == "" {
		return nil
	}
	return []conversation.Command{single}
}

// named drops entries without a command name, which covers arbitrary JSON
// the model happened to emit.
func named(list []conversation.Command) []conversation.Command {
	var out []conversation.Command
	for _, c := range list {
		if c.Name != "" {
			out = append(out, c)
		}
	}
	return out
}
