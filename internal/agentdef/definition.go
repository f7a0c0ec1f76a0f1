// Package agentdef holds the agent type catalog: built-in definitions
// plus user-defined ones loaded from markdown files with a YAML front
// matter header. User definitions shadow built-ins of the same name.
package agentdef

// Built-in agent type names.
const (
	TypeMain           = "main"
	TypeImplementation = "implementation"
	TypeContext        = "context"
	TypePlanning       = "planning"
	TypeTester         = "tester"
)

// Definition describes one agent type: the system prompt it runs
// with, the tool servers it is granted, and an optional model
// override.
type Definition struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Prompt      string   `json:"-"`
	Tools       []string `json:"tools"`
	Model       string   `json:"model,omitempty"`
	BuiltIn     bool     `json:"built_in"`
}

const mainPrompt = `You are the coordinating agent of a Troupe agent network.
You own the goal end to end: break it into sub-tasks, spawn specialist
agents where a sub-task warrants one, and keep the overall picture
current. Use the troupe-agent tools to spawn, message and terminate
sub-agents, and prefer delegating over doing large sub-tasks inline.
Record durable findings with the troupe-memory tools so later turns and
other agents can reuse them, and track open work with the troupe-tasks
tools.`

const implementationPrompt = `You are an implementation agent in a Troupe agent network.
You receive a concrete, scoped coding task. Make the change, keep the
diff minimal, and verify your work before reporting back. Use the
troupe-vcs tools to inspect and commit changes, the troupe-app tools to
run the project under test, and the troupe-memory tools to record
anything a teammate would need to know.`

const contextPrompt = `You are a context agent in a Troupe agent network.
Your job is reconnaissance: explore the codebase, answer questions
about how things work, and summarize what you find. Do not modify
anything. Store reusable findings with the troupe-memory tools and
keep your summaries concrete, with file paths.`

const planningPrompt = `You are a planning agent in a Troupe agent network.
Turn the stated goal into an ordered, reviewable plan: discrete steps,
each small enough to hand to an implementation agent, with the risky
or ambiguous parts called out. Track the plan with the troupe-tasks
tools and record the assumptions you made with the troupe-memory
tools. Do not implement anything yourself.`

const testerPrompt = `You are a tester agent in a Troupe agent network.
Exercise the change you were pointed at: run the project with the
troupe-app tools, probe edge cases, and report exactly what you did
and what you observed. Failures need a reproduction, not a guess.
Record findings with the troupe-memory tools.`

func builtins() map[string]Definition {
	return map[string]Definition{
		TypeMain: {
			Name:        TypeMain,
			Description: "Coordinates the network and delegates to specialists",
			Prompt:      mainPrompt,
			Tools:       []string{"troupe-agent", "troupe-memory", "troupe-tasks", "troupe-vcs", "troupe-app"},
			BuiltIn:     true,
		},
		TypeImplementation: {
			Name:        TypeImplementation,
			Description: "Executes a scoped coding task",
			Prompt:      implementationPrompt,
			Tools:       []string{"troupe-memory", "troupe-tasks", "troupe-vcs", "troupe-app"},
			BuiltIn:     true,
		},
		TypeContext: {
			Name:        TypeContext,
			Description: "Explores the codebase and answers questions",
			Prompt:      contextPrompt,
			Tools:       []string{"troupe-memory", "troupe-tasks"},
			BuiltIn:     true,
		},
		TypePlanning: {
			Name:        TypePlanning,
			Description: "Breaks a goal into an ordered plan",
			Prompt:      planningPrompt,
			Tools:       []string{"troupe-memory", "troupe-tasks"},
			BuiltIn:     true,
		},
		TypeTester: {
			Name:        TypeTester,
			Description: "Runs the project and probes the change",
			Prompt:      testerPrompt,
			Tools:       []string{"troupe-memory", "troupe-tasks", "troupe-app"},
			BuiltIn:     true,
		},
	}
}
