package main

import (
	"context"
	"flag"
	"fmt"
)

func runMigrate(args []string) {
	if len(args) < 1 {
		fatalf("migrate: missing subcommand (up, down, version)")
	}
	switch args[0] {
	case "up":
		migrateUp(args[1:])
	case "down":
		migrateDown(args[1:])
	case "version":
		migrateVersion(args[1:])
	default:
		fatalf("migrate: unknown subcommand %q", args[0])
	}
}

func migrateUp(args []string) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(args)

	ctx := context.Background()
	st, err := openStore(ctx, *configPath)
	if err != nil {
		fatalf("Error: %v", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		fatalf("Error applying migrations: %v", err)
	}
	version, dirty, err := st.MigrationVersion(ctx)
	if err != nil {
		fatalf("Error reading schema version: %v", err)
	}
	fmt.Printf("Schema is up to date at version %d (dirty: %v)\n", version, dirty)
}

func migrateDown(args []string) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	steps := fs.Int("steps", 1, "Number of migrations to roll back")
	fs.Parse(args)

	if *steps < 1 {
		fatalf("Error: --steps must be at least 1")
	}

	ctx := context.Background()
	st, err := openStore(ctx, *configPath)
	if err != nil {
		fatalf("Error: %v", err)
	}
	defer st.Close()

	if err := st.MigrateDown(ctx, *steps); err != nil {
		fatalf("Error rolling back migrations: %v", err)
	}
	version, dirty, err := st.MigrationVersion(ctx)
	if err != nil {
		fatalf("Error reading schema version: %v", err)
	}
	fmt.Printf("Rolled back %d migration(s), now at version %d (dirty: %v)\n", *steps, version, dirty)
}

func migrateVersion(args []string) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(args)

	ctx := context.Background()
	st, err := openStore(ctx, *configPath)
	if err != nil {
		fatalf("Error: %v", err)
	}
	defer st.Close()

	version, dirty, err := st.MigrationVersion(ctx)
	if err != nil {
		fatalf("Error reading schema version: %v", err)
	}
	fmt.Printf("Schema version %d (dirty: %v)\n", version, dirty)
}
