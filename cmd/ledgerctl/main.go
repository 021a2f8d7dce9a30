// Command ledgerctl inspects and drains the local transaction queue using the
// same configuration as the server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path"

	"github.com/google/subcommands"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.CommandsCommand(), "")
	commander.Register(&pendingCmd{}, "queue")
	commander.Register(&drainCmd{}, "queue")
	commander.Register(&snapshotCmd{}, "portfolio")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
