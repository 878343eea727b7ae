package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

const direnvShimTemplate = `#!/usr/bin/env sh
export JINJAFORM_PROJECT_ROOT=%s
export JINJAFORM_TERRAFORM_BIN=%s
exec %s "$@"
`

var direnvCmd = &cobra.Command{
	Use:   "direnv",
	Short: "Manage a direnv-friendly shim for this project",
}

var direnvInstallCmd = &cobra.Command{
	Use:   "install [project_root]",
	Short: "Install a terraform-named shim that routes through jinjaform",
	Long: `Install writes an executable named "terraform" under
<project_root>/.jinjaform/bin that exports JINJAFORM_PROJECT_ROOT and
JINJAFORM_TERRAFORM_BIN and then execs this binary, so a direnv "PATH_add"
on the printed directory makes "terraform" transparently go through
jinjaform for that project.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		projectRoot := "."
		if len(args) == 1 {
			projectRoot = args[0]
		}
		projectRoot, err := filepath.Abs(projectRoot)
		if err != nil {
			return fmt.Errorf("resolving project root: %w", err)
		}

		terraformBin, err := exec.LookPath("terraform")
		if err != nil {
			return fmt.Errorf("could not find terraform in PATH: %w", err)
		}

		jinjaformBin, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolving jinjaform's own path: %w", err)
		}

		binDir := filepath.Join(projectRoot, ".jinjaform", "bin")
		for _, name := range []string{"bin", "modules", "plugins"} {
			if err := os.MkdirAll(filepath.Join(projectRoot, ".jinjaform", name), 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", name, err)
			}
		}

		shimPath := filepath.Join(binDir, "terraform")
		shim := fmt.Sprintf(direnvShimTemplate, projectRoot, terraformBin, jinjaformBin)
		if err := os.WriteFile(shimPath, []byte(shim), 0o755); err != nil {
			return fmt.Errorf("writing shim: %w", err)
		}

		fmt.Println(binDir)
		return nil
	},
}

func init() {
	direnvCmd.AddCommand(direnvInstallCmd)
	rootCmd.AddCommand(direnvCmd)
}
