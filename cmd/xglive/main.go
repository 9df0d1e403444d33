// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command xglive runs the live core and talks to a running instance.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ManuGH/xglive/internal/config"
	"github.com/ManuGH/xglive/internal/version"
	"github.com/spf13/cobra"
)

const (
	exitOK          = 0
	exitOperational = 1
	exitConfig      = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
	}
	return exitCode(err)
}

// exitCode maps an error onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrInvalidConfig):
		return exitConfig
	default:
		return exitOperational
	}
}

type globalFlags struct {
	configPath string
	envFile    string
	adminURL   string
	token      string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "xglive",
		Short:         "Live ingest-to-delivery media core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "path to config file (YAML)")
	pf.StringVar(&g.envFile, "env-file", ".env", "optional env file loaded before the process environment")
	pf.StringVar(&g.adminURL, "admin-url", config.ParseString(config.EnvPrefix+"ADMIN_URL", "http://127.0.0.1:8081"), "admin API base URL")
	pf.StringVar(&g.token, "token", config.ParseString(config.EnvPrefix+"API_TOKEN", ""), "admin API token")

	root.AddCommand(
		newServeCmd(g),
		newSessionsCmd(g),
		newFailoverCmd(g),
		newTerminateCmd(g),
		newIngestCmd(g),
		newVODCmd(g),
		newVersionCmd(g),
	)
	return root
}

func (g *globalFlags) load() (config.AppConfig, error) {
	return config.NewLoader(g.configPath, g.envFile, version.Version).Load()
}
