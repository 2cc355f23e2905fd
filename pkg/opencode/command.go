package opencode

import (
	"errors"
	"strings"
)

// Command describes one `opencode run` invocation.
type Command struct {
	Executable   string
	Model        string // provider/model
	Session      string
	Agent        string
	Instructions string
	Secrets      []string // masked by String
}

// Validate checks that every part needed to build the command is present.
func (c Command) Validate() error {
	switch {
	case c.Executable == "":
		return errors.New("executable is required")
	case c.Model == "":
		return errors.New("model is required")
	case c.Agent == "":
		return errors.New("agent is required")
	case strings.TrimSpace(c.Instructions) == "":
		return errors.New("instructions are required")
	}
	return nil
}

// Args returns the argument vector, excluding the executable.
func (c Command) Args() []string {
	args := []string{"run", "-m", c.Model}
	if c.Session != "" {
		args = append(args, "--session", c.Session)
	}
	return append(args, "--agent", c.Agent, c.Instructions)
}

// String renders the command for logs with secrets masked.
func (c Command) String() string {
	parts := append([]string{c.Executable}, c.Args()...)
	parts[len(parts)-1] = "\"" + parts[len(parts)-1] + "\""
	s := strings.Join(parts, " ")
	for _, secret := range c.Secrets {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, "********")
		}
	}
	return s
}

// ModelID joins provider and model the way opencode expects.
func ModelID(provider, model string) string {
	if provider == "" {
		return model
	}
	return provider + "/" + model
}
