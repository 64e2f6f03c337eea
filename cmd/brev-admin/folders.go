package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
)

func runFolder(args []string) {
	if len(args) < 1 {
		fatalf("folder: missing subcommand (list)")
	}
	switch args[0] {
	case "list":
		folderList(args[1:])
	default:
		fatalf("folder: unknown subcommand %q", args[0])
	}
}

func folderList(args []string) {
	fs := flag.NewFlagSet("folder list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	email := fs.String("email", "", "Address of the account (required)")
	fs.Parse(args)

	if *email == "" {
		fmt.Fprintln(os.Stderr, "Error: --email is required")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := openStore(ctx, *configPath)
	if err != nil {
		fatalf("Error: %v", err)
	}
	defer st.Close()

	u, err := st.GetUserByAddress(ctx, *email)
	if err != nil {
		fatalf("Error: %v", err)
	}

	folders, err := st.ListFolders(ctx, u.ID, false)
	if err != nil {
		fatalf("Error listing folders: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMESSAGES\tUNSEEN\tUIDNEXT\tUIDVALIDITY\tSUBSCRIBED")
	for i := range folders {
		f := &folders[i]
		status, err := st.GetFolderStatus(ctx, f)
		if err != nil {
			fatalf("Error reading folder %s: %v", f.Name, err)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%v\n",
			f.Name, status.Messages, status.Unseen, status.UIDNext, status.UIDValidity, f.Subscribed)
	}
	w.Flush()
}
