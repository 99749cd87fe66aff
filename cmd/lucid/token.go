package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/lucid/internal/config"
)

// runTokenCommand fetches a socket token from the web app and stores it in
// config.yaml. A running workspace picks it up through the config watcher.
func runTokenCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	printOnly := fs.Bool("print", false, "print the token instead of storing it")
	project := fs.String("project", "", "also store this project id as the default")
	repo := fs.String("repo", "", "repository URL stored with -project")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *repo != "" && *project == "" {
		fmt.Fprintln(os.Stderr, "usage: lucid token [-print] [-project id [-repo url]]")
		return 2
	}

	a, err := newApp(ctx, appOptions{quiet: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer a.Close()

	token, err := a.apiClient().FetchToken(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetch token: %v\n", err)
		return 1
	}
	if *printOnly {
		fmt.Println(token)
		return 0
	}
	if err := config.SetToken(a.cfg.HomeDir, token); err != nil {
		fmt.Fprintf(os.Stderr, "store token: %v\n", err)
		return 1
	}
	if *project != "" {
		if err := config.SetProject(a.cfg.HomeDir, *project, *repo); err != nil {
			fmt.Fprintf(os.Stderr, "store project: %v\n", err)
			return 1
		}
	}
	fmt.Printf("Token stored in %s\n", config.ConfigPath(a.cfg.HomeDir))
	return 0
}
