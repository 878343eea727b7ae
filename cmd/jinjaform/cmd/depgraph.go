package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edelwud/jinjaform/internal/render"
	"github.com/edelwud/jinjaform/internal/workspace"
	"github.com/edelwud/jinjaform/pkg/config"
)

// depgraphCmd is deliberately not named "graph": the child IaC tool already
// owns that subcommand name, and must keep receiving it unmodified via
// dispatch.
var depgraphCmd = &cobra.Command{
	Use:   "depgraph",
	Short: "Build the workspace and print its variable dependency graph",
	Long: `depgraph assembles the workspace for the current directory, the same
way any other command would, then prints the cross-template variable
dependency graph it collected in Graphviz DOT format, for diagnosing a
deadlock or visualizing which templates feed which.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving current directory: %w", err)
		}

		projectRoot, err := findProjectRoot(cwd)
		if err != nil {
			return err
		}

		cfg, err := config.LoadOrDefault(projectRoot)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		extensions, err := render.LoadExtensions(projectRoot)
		if err != nil {
			return fmt.Errorf("loading template extensions: %w", err)
		}

		asm := workspace.New(projectRoot, cwd, extensions)
		asm.ConfigureCaches(cfg.Cache.ModulesDir, cfg.Cache.PluginsDir)
		result, err := asm.Build(context.Background())
		if err != nil {
			if buildErr, ok := err.(*workspace.BuildError); ok {
				fmt.Fprintln(os.Stderr, buildErr.Error())
				return fmt.Errorf("workspace build failed")
			}
			return err
		}

		fmt.Println(result.Dependencies.ToDOT())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(depgraphCmd)
}
