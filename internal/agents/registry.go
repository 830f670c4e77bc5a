package agents

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnknownAgent = errors.New("unknown agent")

type Mode string

const (
	ModePrimary  Mode = "primary"
	ModeSubagent Mode = "subagent"
)

type Agent struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Mode        Mode   `yaml:"mode" json:"mode"`
	Model       string `yaml:"model,omitempty" json:"model,omitempty"`
	Prompt      string `yaml:"prompt,omitempty" json:"-"`
	Disabled    bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

type fileFormat struct {
	Agents []Agent `yaml:"agents"`
}

// Registry is the read-only set of agents tasks may target.
type Registry struct {
	agents map[string]Agent
}

var builtin = []Agent{
	{Name: "build", Mode: ModePrimary, Description: "Implements changes in the workspace."},
	{Name: "plan", Mode: ModePrimary, Description: "Analyses and plans without editing files."},
	{Name: "general", Mode: ModeSubagent, Description: "General-purpose research and multi-step work."},
	{Name: "explore", Mode: ModeSubagent, Description: "Fast codebase exploration."},
	{Name: "code-reviewer", Mode: ModeSubagent, Description: "Reviews code for quality and correctness."},
	{Name: "security-reviewer", Mode: ModeSubagent, Description: "Reviews code for security issues."},
	{Name: "tdd-guide", Mode: ModeSubagent, Description: "Drives test-first development."},
	{Name: "architect", Mode: ModeSubagent, Description: "Designs system structure and interfaces."},
	{Name: "writer", Mode: ModePrimary, Description: "Long-form writing."},
	{Name: "proofreader", Mode: ModeSubagent, Description: "Proofreads and edits prose."},
	{Name: "decision", Mode: ModeSubagent, Description: "Structured decision analysis."},
	{Name: "macro", Mode: ModeSubagent, Description: "Macro-economic data interpretation."},
}

// Default returns the built-in agents.
func Default() *Registry {
	r := &Registry{agents: make(map[string]Agent, len(builtin))}
	for _, a := range builtin {
		r.agents[a.Name] = a
	}
	return r
}

// Load returns the built-in agents overlaid with the agents declared in the
// YAML file at path. An empty path returns Default().
func Load(path string) (*Registry, error) {
	r := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return r, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse agents file %s: %w", path, err)
	}
	for i, a := range f.Agents {
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			return nil, fmt.Errorf("agents file %s: entry %d has no name", path, i)
		}
		if a.Mode == "" {
			a.Mode = ModeSubagent
		}
		if a.Mode != ModePrimary && a.Mode != ModeSubagent {
			return nil, fmt.Errorf("agents file %s: agent %q has invalid mode %q", path, a.Name, a.Mode)
		}
		r.agents[a.Name] = a
	}
	return r, nil
}

func (r *Registry) Get(name string) (Agent, error) {
	a, ok := r.agents[strings.TrimSpace(name)]
	if !ok || a.Disabled {
		return Agent{}, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return a, nil
}

// List returns the enabled agents sorted by name.
func (r *Registry) List() []Agent {
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.Disabled {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
