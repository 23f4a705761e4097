package converters

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"alembic/internal/formats"
	"alembic/internal/services"
)

// Capability performs one direct format conversion. Implementations read the
// input file and write the converted result to the output path.
type Capability interface {
	Name() string
	Source() string
	Target() string
	Convert(ctx context.Context, input, output string) error
}

// CommandRunner executes an external command. Tests inject a fake runner.
type CommandRunner func(ctx context.Context, name string, args ...string) error

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return services.Wrap(services.ErrCancelled, "converters", "run", name, ctx.Err())
		}
		return services.Wrap(services.ErrTransient, "converters", "run",
			fmt.Sprintf("%s: %s", name, strings.TrimSpace(string(output))), err)
	}
	return nil
}

// commandCapability runs an argv template with {input}/{output} substitution.
type commandCapability struct {
	name   string
	source string
	target string
	argv   []string
	runner CommandRunner
}

func (c *commandCapability) Name() string   { return c.name }
func (c *commandCapability) Source() string { return c.source }
func (c *commandCapability) Target() string { return c.target }

func (c *commandCapability) Convert(ctx context.Context, input, output string) error {
	if len(c.argv) == 0 {
		return services.Wrap(services.ErrConfiguration, "converters", "convert",
			fmt.Sprintf("capability %q has no command", c.name), nil)
	}
	args := make([]string, 0, len(c.argv)-1)
	for _, token := range c.argv[1:] {
		token = strings.ReplaceAll(token, "{input}", input)
		token = strings.ReplaceAll(token, "{output}", output)
		args = append(args, token)
	}
	return c.runner(ctx, c.argv[0], args...)
}

// Option adjusts registry construction.
type Option func(*Registry)

// WithRunner replaces the external command runner, typically in tests.
func WithRunner(runner CommandRunner) Option {
	return func(r *Registry) { r.runner = runner }
}

// Registry resolves capability names from the manifest into runnable
// converters. It is populated at startup and read-only afterwards.
type Registry struct {
	capabilities map[string]Capability
	runner       CommandRunner
}

// NewRegistry builds a registry from manifest converter specs.
func NewRegistry(specs []formats.ConverterSpec, opts ...Option) (*Registry, error) {
	registry := &Registry{
		capabilities: make(map[string]Capability, len(specs)),
		runner:       runCommand,
	}
	for _, opt := range opts {
		opt(registry)
	}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, services.Wrap(services.ErrConfiguration, "converters", "register", "capability name is required", nil)
		}
		if _, exists := registry.capabilities[spec.Name]; exists {
			return nil, services.Wrap(services.ErrConfiguration, "converters", "register",
				fmt.Sprintf("duplicate capability %q", spec.Name), nil)
		}
		if len(spec.Command) == 0 {
			return nil, services.Wrap(services.ErrConfiguration, "converters", "register",
				fmt.Sprintf("capability %q declares no command", spec.Name), nil)
		}
		registry.capabilities[spec.Name] = &commandCapability{
			name:   spec.Name,
			source: formats.NormalizeID(spec.Source),
			target: formats.NormalizeID(spec.Target),
			argv:   spec.Command,
			runner: registry.runner,
		}
	}
	return registry, nil
}

// Register adds a capability directly, replacing any manifest entry with the
// same name. Used by tests and embedded converters.
func (r *Registry) Register(capability Capability) {
	r.capabilities[capability.Name()] = capability
}

// Capability returns the converter registered under name.
func (r *Registry) Capability(name string) (Capability, error) {
	capability, ok := r.capabilities[name]
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "converters", "lookup",
			fmt.Sprintf("no capability registered as %q", name), nil)
	}
	return capability, nil
}

// Ready verifies that every command-backed capability's binary is on PATH.
// Missing binaries are reported together so an operator can fix them in one
// pass.
func (r *Registry) Ready() error {
	var missing []string
	for name, capability := range r.capabilities {
		command, ok := capability.(*commandCapability)
		if !ok || len(command.argv) == 0 {
			continue
		}
		if _, err := exec.LookPath(command.argv[0]); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s)", command.argv[0], name))
		}
	}
	if len(missing) > 0 {
		return services.Wrap(services.ErrConfiguration, "converters", "ready",
			"missing converter binaries: "+strings.Join(missing, ", "), nil)
	}
	return nil
}
