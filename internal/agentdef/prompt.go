package agentdef

import (
	"fmt"
	"strings"
)

// networkContext is appended to every agent's system prompt so the
// agent knows which network it runs in and what the network is after.
const networkContext = `Network context:
- Network ID: %s
- Your agent ID: %s
- Network goal: %s`

// Compose builds the full system prompt for one agent: the
// definition's prompt followed by the network context block. An empty
// goal renders as "(not set yet)".
func Compose(def Definition, networkID, agentID, goal string) string {
	if goal == "" {
		goal = "(not set yet)"
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(def.Prompt))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, networkContext, networkID, agentID, goal)
	return b.String()
}
