// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ribbit-network/frog-agent/board"
	"github.com/ribbit-network/frog-agent/config"
	"github.com/ribbit-network/frog-agent/sensor"
	"github.com/ribbit-network/frog-agent/version"
)

// BoardCommand prints the active hardware definition.
func BoardCommand(def board.Definition) Command {
	return Command{
		Name: "board",
		Help: "show the active board definition",
		Run: func(_ context.Context, w io.Writer, _ []string) error {
			fmt.Fprintf(w, "board:    %s\r\n", def.Name)
			fmt.Fprintf(w, "mcu:      %s\r\n", def.MCU)
			fmt.Fprintf(w, "version:  %s\r\n", version.Version)
			fmt.Fprintf(w, "features: %+v\r\n", def.Features)
			fmt.Fprintf(w, "i2c:      scl=%d sda=%d power=%d\r\n",
				def.I2C0SCL, def.I2C0SDA, def.I2CPowerPin)
			fmt.Fprintf(w, "led:      power=%d data=%d\r\n",
				def.StatusLEDPowerPin, def.StatusLEDDataPin)
			return nil
		},
	}
}

// ConfigCommand inspects and edits the layered configuration.  Values set
// here land in the local-override domain, which beats the cloud.
func ConfigCommand(registry *config.Registry) Command {
	return Command{
		Name: "config",
		Help: "config [get <key> | set <key> <value> | unset <key>]",
		Run: func(_ context.Context, w io.Writer, args []string) error {
			if len(args) == 0 {
				keys := registry.Keys()
				sort.Slice(keys, func(i, j int) bool {
					return keys[i].Name < keys[j].Name
				})
				for _, key := range keys {
					value, domain, err := registry.Get(key.Name)
					if err != nil {
						continue
					}
					shown := any("<hidden>")
					if !key.Protected {
						shown = value
					}
					fmt.Fprintf(w, "%-32s %-14s %v\r\n", key.Name, domain, shown)
				}
				return nil
			}

			switch args[0] {
			case "get":
				if len(args) != 2 {
					return errors.New("usage: config get <key>")
				}
				value, domain, err := registry.Get(args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%v (%v)\r\n", value, domain)
				return nil

			case "set":
				if len(args) != 3 {
					return errors.New("usage: config set <key> <value>")
				}
				value, err := parseValue(registry, args[1], args[2])
				if err != nil {
					return err
				}
				return registry.Set(config.DomainLocalOverride,
					map[string]any{args[1]: value})

			case "unset":
				if len(args) != 2 {
					return errors.New("usage: config unset <key>")
				}
				return registry.Set(config.DomainLocalOverride,
					map[string]any{args[1]: nil})
			}
			return fmt.Errorf("unknown config action %q", args[0])
		},
	}
}

func parseValue(registry *config.Registry, name, raw string) (any, error) {
	for _, key := range registry.Keys() {
		if key.Name == name {
			return key.Type.Parse(raw)
		}
	}
	return nil, fmt.Errorf("unknown config key %q", name)
}

// SensorsCommand dumps the latest reading of every sensor.
func SensorsCommand(list func() []sensor.Sensor) Command {
	return Command{
		Name: "sensors",
		Help: "show the latest sensor readings",
		Run: func(_ context.Context, w io.Writer, _ []string) error {
			for _, s := range list() {
				data, err := json.Marshal(s.Export())
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%-10s %s\r\n", s.ID(), data)
			}
			return nil
		},
	}
}

// ReadCommand forces an immediate read of one sensor by ID.
func ReadCommand(list func() []sensor.Sensor) Command {
	return Command{
		Name: "read",
		Help: "read <sensor-id>: trigger an immediate measurement",
		Run: func(ctx context.Context, w io.Writer, args []string) error {
			if len(args) != 1 {
				return errors.New("usage: read <sensor-id>")
			}
			for _, s := range list() {
				if s.ID() != args[0] {
					continue
				}
				reader, ok := s.(sensor.Reader)
				if !ok {
					return fmt.Errorf("sensor %q does not support on-demand reads", args[0])
				}
				if err := reader.ReadOnce(ctx); err != nil {
					return err
				}
				data, err := json.Marshal(s.Export())
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\r\n", data)
				return nil
			}
			return fmt.Errorf("unknown sensor %q", args[0])
		},
	}
}

// TimeState is what the time command needs from the time manager.
type TimeState interface {
	Export() map[string]any
}

// TimeCommand shows the wall clock and its source.
func TimeCommand(state TimeState) Command {
	return Command{
		Name: "time",
		Help: "show the current time and its source",
		Run: func(_ context.Context, w io.Writer, _ []string) error {
			fmt.Fprintf(w, "now: %s\r\n", time.Now().UTC().Format(time.RFC3339))
			for k, v := range state.Export() {
				fmt.Fprintf(w, "%s: %v\r\n", k, v)
			}
			return nil
		},
	}
}

// PingCommand answers pong, for checking the console is alive.
func PingCommand() Command {
	return Command{
		Name: "ping",
		Help: "check the console is responding",
		Run: func(_ context.Context, w io.Writer, _ []string) error {
			fmt.Fprint(w, "pong\r\n")
			return nil
		},
	}
}

// RebootCommand requests an agent restart.
func RebootCommand(restart func()) Command {
	return Command{
		Name: "reboot",
		Help: "restart the agent",
		Run: func(_ context.Context, w io.Writer, _ []string) error {
			fmt.Fprint(w, "restarting\r\n")
			restart()
			return nil
		},
	}
}

// RunCommand executes a file of console commands, line by line.  Only
// registered on boards with the script interpreter enabled.
func RunCommand(c *Console) Command {
	return Command{
		Name: "run",
		Help: "run <file>: execute a script of console commands",
		Run: func(ctx context.Context, w io.Writer, args []string) error {
			if len(args) != 1 {
				return errors.New("usage: run <file>")
			}
			script, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			for _, line := range strings.Split(string(script), "\n") {
				c.Execute(ctx, w, line)
			}
			return nil
		},
	}
}
