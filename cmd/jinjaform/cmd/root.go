package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edelwud/jinjaform/pkg/log"
)

// versionInfo is populated by SetVersion before Execute runs.
var versionInfo struct {
	Version string
	Commit  string
	Date    string
}

// rootCmd forwards every argument it receives, unparsed, to dispatch: the
// child IaC tool owns its own flags and help text, so this command must
// never intercept them.
var rootCmd = &cobra.Command{
	Use:                "jinjaform [subcommand] [args...]",
	Short:              "A Terraform/OpenTofu workspace builder with Jinja-style templating",
	Args:               cobra.ArbitraryArgs,
	DisableFlagParsing: true,
	SilenceUsage:       true,
	SilenceErrors:      true,
	RunE: func(_ *cobra.Command, args []string) error {
		log.Init()
		if lvl := os.Getenv("JINJAFORM_LOG_LEVEL"); lvl != "" {
			if err := log.SetLevelFromString(lvl); err != nil {
				return fmt.Errorf("invalid JINJAFORM_LOG_LEVEL %q: %w", lvl, err)
			}
		}

		code, err := dispatch(context.Background(), args)
		if err != nil {
			log.WithError(err).Error("jinjaform")
			os.Exit(1)
		}
		os.Exit(code)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion records the build's version metadata for the "version"
// subcommand.
func SetVersion(version, commit, date string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.Date = date
}
