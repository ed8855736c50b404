// Package policy holds the fixed rules that guard what a sandbox caller may
// do: which files it may write and which commands it may run.
package policy

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrInvalidCommand = errors.New("invalid command")
	ErrInvalidPath    = errors.New("invalid file path")
)

// Command is a symbolic command name from the closed allow-list.
type Command string

const (
	CommandGenerate       Command = "spectrum:generate"
	CommandWatch          Command = "spectrum:watch"
	CommandMock           Command = "spectrum:mock"
	CommandCache          Command = "spectrum:cache"
	CommandExportPostman  Command = "spectrum:export:postman"
	CommandExportInsomnia Command = "spectrum:export:insomnia"
)

// Class decides the timeout bound and post-processing of a command.
type Class int

const (
	// ClassUtility commands run to completion under the generation bound.
	ClassUtility Class = iota
	// ClassGenerate commands produce the OpenAPI artifact.
	ClassGenerate
	// ClassInteractive commands never exit on their own and are killed at
	// the interactive bound.
	ClassInteractive
)

func (c Class) String() string {
	switch c {
	case ClassGenerate:
		return "generate"
	case ClassInteractive:
		return "interactive"
	default:
		return "utility"
	}
}

type commandSpec struct {
	argv  []string
	class Class
}

var commandTable = map[Command]commandSpec{
	CommandGenerate:       {argv: []string{"php", "artisan", "spectrum:generate", "--format=json"}, class: ClassGenerate},
	CommandWatch:          {argv: []string{"php", "artisan", "spectrum:watch"}, class: ClassInteractive},
	CommandMock:           {argv: []string{"php", "artisan", "spectrum:mock"}, class: ClassInteractive},
	CommandCache:          {argv: []string{"php", "artisan", "spectrum:cache", "stats"}, class: ClassUtility},
	CommandExportPostman:  {argv: []string{"php", "artisan", "spectrum:export:postman"}, class: ClassUtility},
	CommandExportInsomnia: {argv: []string{"php", "artisan", "spectrum:export:insomnia"}, class: ClassUtility},
}

// Commands lists every allowed command name in a stable order.
func Commands() []Command {
	out := make([]Command, 0, len(commandTable))
	for c := range commandTable {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Resolved is a command ready to hand to the environment driver.
type Resolved struct {
	Name    Command
	Argv    []string
	Class   Class
	Timeout time.Duration
}

// Timeouts are the per-class execution bounds.
type Timeouts struct {
	Interactive time.Duration
	Generate    time.Duration
}

// ResolveCommand maps a symbolic name to its argument vector. Nothing from
// the caller is interpolated into argv.
func ResolveCommand(name string, t Timeouts) (*Resolved, error) {
	spec, ok := commandTable[Command(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, name)
	}
	timeout := t.Generate
	if spec.class == ClassInteractive {
		timeout = t.Interactive
	}
	return &Resolved{
		Name:    Command(name),
		Argv:    slices.Clone(spec.argv),
		Class:   spec.class,
		Timeout: timeout,
	}, nil
}
