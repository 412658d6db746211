package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	dataDir    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "isotoped",
		Short:         "isotope - local LLM chat assistant",
		Long:          "isotope runs open-weight language models locally and keeps every conversation in a local SQLite database.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file (.yaml, .json or .toml)")
	pf.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error, off")
	pf.StringVar(&opts.dataDir, "data-dir", "", "directory for the database, settings and model cache")

	root.AddCommand(
		newServeCmd(opts),
		newChatCmd(opts),
		newModelsCmd(opts),
		newSessionsCmd(opts),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
