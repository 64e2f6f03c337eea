// Command brev-admin is the operator tool: accounts, folders, catch-all
// routing, schema migrations and a health probe, all against the same
// configuration file the server reads.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/brevmail/brev/config"
	"github.com/brevmail/brev/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "account":
		runAccount(os.Args[2:])
	case "folder":
		runFolder(os.Args[2:])
	case "catchall":
		runCatchAll(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "health":
		runHealth(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`brev admin tool

Usage:
  brev-admin <command> [options]

Commands:
  account create     Create an account with its default folders
  account delete     Delete an account and everything it owns
  account list       List accounts, optionally per domain
  account password   Set a new password for an account
  folder list        List an account's folders with their counters
  catchall set       Route a domain's unknown local parts to an account
  catchall show      Show catch-all routing for one domain or all of them
  migrate up         Apply pending schema migrations
  migrate down       Roll back schema migrations
  migrate version    Print the current schema version
  health             Check database connectivity and worker backlog
  help               Show this help message

Examples:
  brev-admin account create --email user@example.com --password secret
  brev-admin folder list --email user@example.com
  brev-admin catchall set --domain example.com --email postmaster@example.com
  brev-admin migrate up --config /etc/brev/config.toml

Use 'brev-admin <command> --help' for more information about a command.
`)
}

// openStore loads the configuration and connects. Every subcommand funnels
// through here so they all honor the same --config flag.
func openStore(ctx context.Context, configPath string) (*store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return st, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
