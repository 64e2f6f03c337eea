package main

import (
	"context"
	"flag"
	"fmt"
	"time"
)

func runHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := openStore(ctx, *configPath)
	if err != nil {
		fatalf("Error: %v", err)
	}
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		fatalf("Database: unreachable (%v)", err)
	}
	fmt.Printf("Database: ok (%s)\n", st.Dialect())

	version, dirty, err := st.MigrationVersion(ctx)
	if err != nil {
		fmt.Printf("Schema: unknown (%v)\n", err)
	} else {
		fmt.Printf("Schema: version %d (dirty: %v)\n", version, dirty)
	}

	pending, err := st.CountPendingUploads(ctx)
	if err != nil {
		fmt.Printf("Uploads pending: unknown (%v)\n", err)
	} else {
		fmt.Printf("Uploads pending: %d\n", pending)
	}
}
