package command

import (
	"fmt"
	"sort"
)

// Model tiers. Routing is binary: commands that modify the working tree get
// the premium model, read-only commands get the standard one. A project can
// pin a model and override the routing entirely.
const (
	ModelStandard = "standard"
	ModelPremium  = "premium"
)

// ExecSpec is the execution envelope a bot defines for one command: the
// system prompt framing, the tool allowlist, budget, and whether the command
// is allowed to write.
type ExecSpec struct {
	SystemPrompt string
	AllowedTools []string
	Writes       bool
	MaxBudget    float64

	// MaxContinuations pins the continuation budget for this command.
	// nil means use the server default; an explicit zero disallows
	// auto-continuation entirely.
	MaxContinuations *int
}

// Model returns the tier this spec routes to.
func (s ExecSpec) Model() string {
	if s.Writes {
		return ModelPremium
	}
	return ModelStandard
}

func pin(n int) *int { return &n }

// BotRegistry resolves a bot name and command to an execution spec.
type BotRegistry interface {
	Lookup(botName, cmd string) (ExecSpec, error)
	Commands(botName string) []string
}

// staticBots is the built-in registry: a fixed set of bots with a fixed set
// of commands each.
type staticBots struct {
	bots map[string]map[string]ExecSpec
}

// DefaultBots returns the built-in bot set.
func DefaultBots() BotRegistry {
	readTools := []string{"Read", "Grep", "Glob", "Bash(git log:*)", "Bash(git diff:*)"}
	writeTools := []string{"Read", "Grep", "Glob", "Edit", "Write", "Bash"}

	codebot := map[string]ExecSpec{
		"fix": {
			SystemPrompt: "You are fixing a reported defect. Reproduce it first, then make the smallest change that fixes it and prove it with a test.",
			AllowedTools: writeTools,
			Writes:       true,
			MaxBudget:    5,
		},
		"feature": {
			SystemPrompt: "You are implementing a feature request. Follow the existing architecture and conventions of the codebase.",
			AllowedTools: writeTools,
			Writes:       true,
			MaxBudget:    10,
		},
		"refactor": {
			SystemPrompt: "You are refactoring. Behaviour must not change; the test suite must pass before and after.",
			AllowedTools: writeTools,
			Writes:       true,
			MaxBudget:    8,
		},
		"test": {
			SystemPrompt: "You are adding test coverage. Do not change production code unless a test exposes a real defect.",
			AllowedTools: writeTools,
			Writes:       true,
			MaxBudget:    5,
		},
		"decompose": {
			SystemPrompt: "You are decomposing a large piece of work. Output a JSON array of self-contained subtask prompts, ordered so each builds on the previous. Do not modify anything.",
			AllowedTools: readTools,
			MaxBudget:    2,
			// The plan invocation itself must never be resumed: its output
			// is the plan, and the parent waits on its subtasks.
			MaxContinuations: pin(0),
		},
		"review": {
			SystemPrompt: "You are reviewing code. Report findings with file and line references; do not modify anything.",
			AllowedTools: readTools,
			MaxBudget:    2,
		},
		"explain": {
			SystemPrompt: "You are explaining code to a teammate. Be concrete and cite files.",
			AllowedTools: readTools,
			MaxBudget:    1,
		},
	}

	deploybot := map[string]ExecSpec{
		"deploy": {
			SystemPrompt:     "You are deploying the project with its configured deployment tooling. Verify the deployment before reporting success.",
			AllowedTools:     writeTools,
			Writes:           true,
			MaxBudget:        5,
			MaxContinuations: pin(1),
		},
		"status": {
			SystemPrompt: "You are checking deployment health. Read-only.",
			AllowedTools: readTools,
			MaxBudget:    1,
		},
	}

	return &staticBots{bots: map[string]map[string]ExecSpec{
		"codebot":   codebot,
		"deploybot": deploybot,
	}}
}

func (b *staticBots) Lookup(botName, cmd string) (ExecSpec, error) {
	commands, ok := b.bots[botName]
	if !ok {
		return ExecSpec{}, fmt.Errorf("command: unknown bot %q", botName)
	}
	spec, ok := commands[cmd]
	if !ok {
		return ExecSpec{}, fmt.Errorf("command: bot %q has no command %q", botName, cmd)
	}
	return spec, nil
}

func (b *staticBots) Commands(botName string) []string {
	commands := b.bots[botName]
	out := make([]string, 0, len(commands))
	for name := range commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
