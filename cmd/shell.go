package main

import (
	"context"
	"errors"
	"strings"

	"github.com/abiosoft/ishell/v2"
	"github.com/fatih/color"
)

var shellCommands = map[string]string{
	"send":      "send <message|signal|diag|lastfound> ...",
	"kill":      "kill <signal|msgID>",
	"killnode":  "killnode <node>",
	"killall":   "killall",
	"find":      "find <node|message|signal> <string>",
	"periodics": "periodics [info] [filter]",
	"log":       "log <start|stop> [file]",
	"config":    "config",
	"restart":   "restart",
	"init":      "init [node]",
	"waitfor":   "waitfor <time> <msgID> [data]",
	"uds":       "uds <connect|raw|session|reset|read|write|...> ...",
	"alive":     "alive",
}

// runShell reads commands interactively until exit, ctrl+c or ctx ends.
func runShell(ctx context.Context, cmd *commander) {
	out := color.Output

	shell := ishell.New()
	shell.SetPrompt("> ")
	shell.Println("Type an invalid command to see help")

	exec := func(c *ishell.Context, line string) {
		_, err := cmd.run(ctx, out, line)
		switch {
		case errors.Is(err, errQuit):
			c.Stop()
		case errors.Is(err, errInvalidCommand):
			printError(out, err)
			printHelp(out)
		case err != nil:
			printError(out, err)
		}
	}

	for name, help := range shellCommands {
		name := name
		shell.AddCmd(&ishell.Cmd{
			Name: name,
			Help: help,
			Func: func(c *ishell.Context) {
				exec(c, strings.Join(append([]string{name}, c.Args...), " "))
			},
		})
	}
	shell.AddCmd(&ishell.Cmd{
		Name:    "help",
		Aliases: []string{"h"},
		Help:    "display help",
		Func:    func(c *ishell.Context) { printHelp(out) },
	})
	shell.AddCmd(&ishell.Cmd{
		Name:    "exit",
		Aliases: []string{"q"},
		Help:    "exit the program",
		Func:    func(c *ishell.Context) { c.Stop() },
	})
	shell.NotFound(func(c *ishell.Context) {
		c.Println("Invalid command - type 'h' or 'help' for options")
	})
	shell.Interrupt(func(c *ishell.Context, count int, input string) { c.Stop() })
	shell.EOF(func(c *ishell.Context) { c.Stop() })

	go func() {
		<-ctx.Done()
		shell.Stop()
	}()
	shell.Run()
	shell.Close()
}
