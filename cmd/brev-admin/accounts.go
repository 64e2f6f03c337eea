package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
)

func runAccount(args []string) {
	if len(args) < 1 {
		fatalf("account: missing subcommand (create, delete, list, password)")
	}
	switch args[0] {
	case "create":
		accountCreate(args[1:])
	case "delete":
		accountDelete(args[1:])
	case "list":
		accountList(args[1:])
	case "password":
		accountPassword(args[1:])
	default:
		fatalf("account: unknown subcommand %q", args[0])
	}
}

func accountCreate(args []string) {
	fs := flag.NewFlagSet("account create", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	email := fs.String("email", "", "Address of the new account (required)")
	password := fs.String("password", "", "Password for the new account (required)")
	fs.Parse(args)

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "Error: --email and --password are required")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := openStore(ctx, *configPath)
	if err != nil {
		fatalf("Error: %v", err)
	}
	defer st.Close()

	u, err := st.CreateUser(ctx, *email, *password)
	if err != nil {
		fatalf("Error creating account: %v", err)
	}
	fmt.Printf("Created account %s (id %d)\n", u.Address(), u.ID)
}

func accountDelete(args []string) {
	fs := flag.NewFlagSet("account delete", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	email := fs.String("email", "", "Address of the account to delete (required)")
	yes := fs.Bool("yes", false, "Skip the confirmation prompt")
	fs.Parse(args)

	if *email == "" {
		fmt.Fprintln(os.Stderr, "Error: --email is required")
		fs.Usage()
		os.Exit(1)
	}

	if !*yes {
		fmt.Printf("Delete account %s and all its mail? Type the address to confirm: ", *email)
		var confirm string
		fmt.Scanln(&confirm)
		if confirm != *email {
			fatalf("Aborted")
		}
	}

	ctx := context.Background()
	st, err := openStore(ctx, *configPath)
	if err != nil {
		fatalf("Error: %v", err)
	}
	defer st.Close()

	if err := st.DeleteUser(ctx, *email); err != nil {
		fatalf("Error deleting account: %v", err)
	}
	fmt.Printf("Deleted account %s\n", *email)
}

func accountList(args []string) {
	fs := flag.NewFlagSet("account list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	domain := fs.String("domain", "", "Only list accounts of this domain")
	fs.Parse(args)

	ctx := context.Background()
	st, err := openStore(ctx, *configPath)
	if err != nil {
		fatalf("Error: %v", err)
	}
	defer st.Close()

	users, err := st.ListUsers(ctx, *domain)
	if err != nil {
		fatalf("Error listing accounts: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tCREATED")
	for _, u := range users {
		fmt.Fprintf(w, "%d\t%s\t%s\n", u.ID, u.Address(), u.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	fmt.Printf("%d accounts\n", len(users))
}

func accountPassword(args []string) {
	fs := flag.NewFlagSet("account password", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	email := fs.String("email", "", "Address of the account (required)")
	password := fs.String("password", "", "New password (required)")
	fs.Parse(args)

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "Error: --email and --password are required")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := openStore(ctx, *configPath)
	if err != nil {
		fatalf("Error: %v", err)
	}
	defer st.Close()

	if err := st.SetPassword(ctx, *email, *password); err != nil {
		fatalf("Error setting password: %v", err)
	}
	fmt.Printf("Password updated for %s\n", *email)
}

func runCatchAll(args []string) {
	if len(args) < 1 {
		fatalf("catchall: missing subcommand (set, show)")
	}
	switch args[0] {
	case "set":
		catchAllSet(args[1:])
	case "show":
		catchAllShow(args[1:])
	default:
		fatalf("catchall: unknown subcommand %q", args[0])
	}
}

func catchAllSet(args []string) {
	fs := flag.NewFlagSet("catchall set", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	domain := fs.String("domain", "", "Domain to configure (required)")
	email := fs.String("email", "", "Account receiving unknown local parts; empty clears")
	fs.Parse(args)

	if *domain == "" {
		fmt.Fprintln(os.Stderr, "Error: --domain is required")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := openStore(ctx, *configPath)
	if err != nil {
		fatalf("Error: %v", err)
	}
	defer st.Close()

	if err := st.SetCatchAllUser(ctx, *domain, *email); err != nil {
		fatalf("Error setting catch-all: %v", err)
	}
	if *email == "" {
		fmt.Printf("Cleared catch-all for %s\n", *domain)
	} else {
		fmt.Printf("Catch-all for %s is now %s\n", *domain, *email)
	}
}

func catchAllShow(args []string) {
	fs := flag.NewFlagSet("catchall show", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	domain := fs.String("domain", "", "Domain to inspect (all domains when omitted)")
	fs.Parse(args)

	ctx := context.Background()
	st, err := openStore(ctx, *configPath)
	if err != nil {
		fatalf("Error: %v", err)
	}
	defer st.Close()

	if *domain != "" {
		d, err := st.GetDomainByName(ctx, *domain)
		if err != nil {
			fatalf("Error: %v", err)
		}
		if d.CatchAllUserID == nil {
			fmt.Printf("No catch-all configured for %s\n", d.Name)
			return
		}
		u, err := st.GetCatchAllUser(ctx, d.Name)
		if err != nil {
			fatalf("Error resolving catch-all account: %v", err)
		}
		fmt.Printf("Catch-all for %s: %s\n", d.Name, u.Address())
		return
	}

	domains, err := st.ListDomains(ctx)
	if err != nil {
		fatalf("Error listing domains: %v", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tCATCH-ALL")
	for _, d := range domains {
		target := "-"
		if d.CatchAllUserID != nil {
			if u, err := st.GetCatchAllUser(ctx, d.Name); err == nil {
				target = u.Address()
			}
		}
		fmt.Fprintf(w, "%s\t%s\n", d.Name, target)
	}
	w.Flush()
}
