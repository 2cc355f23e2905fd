// Package main defines the agentctl command line using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Server string `default:"http://localhost:5001" env:"AGENTCTL_SERVER" help:"Runtime base URL"`

	Create   CreateCmd   `cmd:"" help:"Submit a task"`
	Get      GetCmd      `cmd:"" help:"Show one task"`
	List     ListCmd     `cmd:"" help:"List tasks"`
	Logs     LogsCmd     `cmd:"" help:"Print a task's debug log"`
	Cancel   CancelCmd   `cmd:"" help:"Cancel a task"`
	Watch    WatchCmd    `cmd:"" help:"Follow a task's event stream until it finishes"`
	Sessions SessionsCmd `cmd:"" help:"List sessions, or the files of one session"`
	Cleanup  CleanupCmd  `cmd:"" help:"Stop everything and delete all sessions"`
	Health   HealthCmd   `cmd:"" help:"Show server health"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// CreateCmd submits a task.
type CreateCmd struct {
	Type         string `arg:"" enum:"complete,plan,generate,fix,run,custom" help:"Task type"`
	URL          string `short:"u" required:"" help:"Target application URL"`
	Session      string `short:"s" required:"" help:"Session id"`
	Instructions string `short:"i" help:"Extra instructions (required for custom)"`
	Username     string `help:"Sign-in username"`
	Password     string `env:"AGENTCTL_PASSWORD" help:"Sign-in password"`
	SASURL       string `name:"sas-url" help:"Upload the workspace to this container SAS URL when done"`
	Bucket       string `help:"Upload the workspace to this bucket when done"`
	Prefix       string `help:"Object prefix for bucket uploads"`
	Watch        bool   `short:"w" help:"Follow the task after submitting"`
}

// GetCmd shows one task.
type GetCmd struct {
	ID string `arg:"" help:"Task id"`
}

// ListCmd lists tasks.
type ListCmd struct {
	Status string `help:"Only tasks in this status"`
	Format string `default:"json" enum:"json,short" help:"Output format"`
}

// LogsCmd prints a task's debug log.
type LogsCmd struct {
	ID string `arg:"" help:"Task id"`
}

// CancelCmd cancels a task.
type CancelCmd struct {
	ID string `arg:"" help:"Task id"`
}

// WatchCmd follows a task's events.
type WatchCmd struct {
	ID string `arg:"" help:"Task id"`
}

// SessionsCmd lists sessions or one session's files.
type SessionsCmd struct {
	ID       string `arg:"" optional:"" help:"Session id"`
	Download string `short:"o" help:"Write the session archive to this path"`
}

// CleanupCmd wipes the runtime.
type CleanupCmd struct {
	Yes bool `short:"y" help:"Do not ask for confirmation"`
}

// HealthCmd shows server health.
type HealthCmd struct{}

// VersionCmd shows version information.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
