package agent

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/dvelop42/cocode/config"
	"github.com/dvelop42/cocode/log"
)

var (
	ErrUnknownAgent      = errors.New("unknown agent")
	ErrMissingDependency = errors.New("agent dependency not met")
)

// Factory builds agents from the built-in registry and from custom agents
// declared in the configuration.
type Factory struct {
	cfg      *config.Config
	registry map[string]func() Agent
	lookPath func(string) (string, error)
}

// NewFactory returns a factory that uses cfg for custom agents and the ready marker.
func NewFactory(cfg *config.Config) *Factory {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Factory{
		cfg: cfg,
		registry: map[string]func() Agent{
			ClaudeCodeName: func() Agent { return NewClaudeCodeAgent() },
			CodexCLIName:   func() Agent { return NewCodexCLIAgent() },
		},
		lookPath: exec.LookPath,
	}
}

// Availability is the factory's view of one agent.
type Availability struct {
	Name      string `json:"name" yaml:"name"`
	Type      string `json:"type" yaml:"type"`
	Available bool   `json:"available" yaml:"available"`
	Message   string `json:"message" yaml:"message"`
}

// Create builds the named agent. With validate set, an agent whose
// executable cannot be found is rejected with ErrMissingDependency.
func (f *Factory) Create(name string, validate bool) (Agent, error) {
	a, err := f.instantiate(name)
	if err != nil {
		return nil, err
	}
	if validate && !a.ValidateEnvironment() {
		return nil, fmt.Errorf("%w: %s is not installed or not on PATH", ErrMissingDependency, name)
	}
	log.InfoLog.Printf("created agent %s", name)
	return a, nil
}

// CreateAll builds every named agent and reports all failures together.
func (f *Factory) CreateAll(names []string, validate bool) ([]Agent, error) {
	var agents []Agent
	var errs []error
	for _, name := range names {
		a, err := f.Create(name, validate)
		if err != nil {
			log.ErrorLog.Printf("failed to create agent %s: %v", name, err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		agents = append(agents, a)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to create some agents: %w", errors.Join(errs...))
	}
	return agents, nil
}

// Validate checks an agent's dependencies without keeping it.
func (f *Factory) Validate(name string) (bool, string) {
	if _, err := f.Create(name, true); err != nil {
		return false, err.Error()
	}
	return true, fmt.Sprintf("Agent '%s' is properly configured and all dependencies are met", name)
}

// Available lists built-in agents followed by configured custom agents.
func (f *Factory) Available() []Availability {
	var out []Availability
	for _, name := range KnownAgents() {
		ok, msg := f.Validate(name)
		out = append(out, Availability{Name: name, Type: "built-in", Available: ok, Message: msg})
	}
	for _, ac := range f.cfg.Agents {
		if _, builtin := f.registry[ac.Name]; builtin {
			continue
		}
		ok, msg := f.Validate(ac.Name)
		out = append(out, Availability{Name: ac.Name, Type: "custom", Available: ok, Message: msg})
	}
	return out
}

func (f *Factory) instantiate(name string) (Agent, error) {
	custom := f.customConfig(name)

	var base *GitBasedAgent
	var a Agent
	if ctor, ok := f.registry[name]; ok {
		a = ctor()
		switch v := a.(type) {
		case *ClaudeCodeAgent:
			base = v.GitBasedAgent
		case *CodexCLIAgent:
			base = v.GitBasedAgent
		}
		// a config entry for a built-in overrides its command line
		if custom != nil && base != nil {
			base.command = custom.Command
			base.args = append([]string(nil), custom.Args...)
			base.env = custom.Env
		}
	} else if custom != nil {
		base = NewGitBasedAgent(custom.Name, custom.Command, custom.Args, custom.Env)
		a = base
	} else {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}

	if base != nil {
		base.SetReadyMarker(f.cfg.ReadyMarker)
		base.SetLookPath(f.lookPath)
	}
	return a, nil
}

func (f *Factory) customConfig(name string) *config.AgentConfig {
	for i := range f.cfg.Agents {
		if f.cfg.Agents[i].Name == name {
			return &f.cfg.Agents[i]
		}
	}
	return nil
}
