// Command mock-assistant is a scriptable stand-in for a real assistant
// CLI. It speaks the line-delimited stream-json protocol on
// stdin/stdout: an init frame at startup, streamed deltas and full
// messages per turn, permission and tool-server round trips over the
// control channel, and a result frame per prompt. Prompt prefixes such
// as /error, /slow, /tool, and /mcp select scenarios, which makes the
// binary useful both for integration tests and for driving the runtime
// locally without an assistant subscription.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

func main() {
	m := newMock(parseArgs(os.Args[1:]), os.Stdout)
	if err := m.run(os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "mock-assistant: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	model   string
	servers []string
}

// parseArgs picks the model and tool-server names out of the argument
// list the runtime passes to a real assistant CLI. Everything else is
// accepted and ignored.
func parseArgs(args []string) options {
	opts := options{model: "mock-sonnet"}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--model" && i+1 < len(args):
			i++
			opts.model = args[i]
		case strings.HasPrefix(arg, "--model="):
			opts.model = strings.TrimPrefix(arg, "--model=")
		case arg == "--mcp-config" && i+1 < len(args):
			i++
			opts.servers = parseServers(args[i])
		case strings.HasPrefix(arg, "--mcp-config="):
			opts.servers = parseServers(strings.TrimPrefix(arg, "--mcp-config="))
		}
	}
	return opts
}

// parseServers lists the server names from an inline --mcp-config
// value, sorted for stable output.
func parseServers(raw string) []string {
	var cfg struct {
		Servers map[string]struct {
			Type string `json:"type"`
		} `json:"mcpServers"`
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil
	}
	names := make([]string, 0, len(cfg.Servers))
	for name := range cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
