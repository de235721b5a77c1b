// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package console provides the interactive command shell on the serial
// port.  It shares the line with the Improv handler, which consumes its
// own binary packets before they ever look like commands here.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

var errAlreadyStarted = errors.New("console already started")

// Command is one console verb.
type Command struct {
	Name string
	Help string
	Run  func(ctx context.Context, w io.Writer, args []string) error
}

// Opts configures a Console.
type Opts struct {
	// RW is the console stream.
	RW io.ReadWriter

	// Prompt defaults to "> ".
	Prompt string

	Logger *zap.Logger
}

// Console reads lines, splits them shell-style and dispatches commands.
type Console struct {
	mutex    sync.Mutex
	commands map[string]Command

	rw     io.ReadWriter
	prompt string
	log    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Opts) *Console {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	prompt := opts.Prompt
	if prompt == "" {
		prompt = "> "
	}

	c := &Console{
		commands: make(map[string]Command),
		rw:       opts.RW,
		prompt:   prompt,
		log:      log.Named("console"),
	}

	c.Register(Command{
		Name: "help",
		Help: "list available commands",
		Run:  c.helpCommand,
	})

	return c
}

// SetRW replaces the console stream.  Only valid before Start.
func (c *Console) SetRW(rw io.ReadWriter) {
	c.rw = rw
}

// Register installs a command, replacing any previous one of the same
// name.
func (c *Console) Register(cmd Command) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.commands[cmd.Name] = cmd
}

func (c *Console) Start(ctx context.Context) error {
	if c.cancel != nil {
		return errAlreadyStarted
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
	return nil
}

func (c *Console) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
}

func (c *Console) run(ctx context.Context) {
	defer close(c.done)

	scanner := bufio.NewScanner(c.rw)
	fmt.Fprint(c.rw, c.prompt)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		c.Execute(ctx, c.rw, scanner.Text())
		fmt.Fprint(c.rw, c.prompt)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.log.Warn("console read failed", zap.Error(err))
	}
}

// Execute runs one command line against w.  Used by the read loop and by
// script execution.
func (c *Console) Execute(ctx context.Context, w io.Writer, line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	args, err := shlex.Split(line)
	if err != nil {
		fmt.Fprintf(w, "parse error: %v\r\n", err)
		return
	}
	if len(args) == 0 {
		return
	}

	c.mutex.Lock()
	cmd, ok := c.commands[args[0]]
	c.mutex.Unlock()

	if !ok {
		fmt.Fprintf(w, "unknown command %q, try \"help\"\r\n", args[0])
		return
	}

	if err := cmd.Run(ctx, w, args[1:]); err != nil {
		fmt.Fprintf(w, "error: %v\r\n", err)
	}
}

func (c *Console) helpCommand(_ context.Context, w io.Writer, _ []string) error {
	c.mutex.Lock()
	commands := make([]Command, 0, len(c.commands))
	for _, cmd := range c.commands {
		commands = append(commands, cmd)
	}
	c.mutex.Unlock()

	sort.Slice(commands, func(i, j int) bool {
		return commands[i].Name < commands[j].Name
	})
	for _, cmd := range commands {
		fmt.Fprintf(w, "%-10s %s\r\n", cmd.Name, cmd.Help)
	}
	return nil
}
