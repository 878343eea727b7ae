package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/edelwud/jinjaform/internal/cloudsetup"
	"github.com/edelwud/jinjaform/internal/extractor"
	"github.com/edelwud/jinjaform/internal/gitcheck"
	"github.com/edelwud/jinjaform/internal/notify"
	"github.com/edelwud/jinjaform/internal/rcfile"
	"github.com/edelwud/jinjaform/internal/render"
	"github.com/edelwud/jinjaform/internal/tfexec"
	"github.com/edelwud/jinjaform/internal/workspace"
	"github.com/edelwud/jinjaform/pkg/config"
	"github.com/edelwud/jinjaform/pkg/log"
)

// bypassedCommands skip the workspace build entirely: the child binary runs
// with the original args and environment, untouched.
var bypassedCommands = map[string]bool{
	"fmt":       true,
	"help":      true,
	"-help":     true,
	"--help":    true,
	"-h":        true,
	"version":   true,
	"-version":  true,
	"--version": true,
	"-v":        true,
}

// forbiddenCommands never run inside a project subtree.
var forbiddenCommands = map[string]bool{
	"push": true,
}

// backendCommands drive the remote backend, so only these need AWS
// credentials exported to the child process.
var backendCommands = map[string]bool{
	"apply":        true,
	"console":      true,
	"debug":        true,
	"destroy":      true,
	"force-unlock": true,
	"graph":        true,
	"import":       true,
	"init":         true,
	"output":       true,
	"plan":         true,
	"refresh":      true,
	"show":         true,
	"state":        true,
	"taint":        true,
	"untaint":      true,
}

func intersects(args []string, set map[string]bool) string {
	for _, a := range args {
		if set[a] {
			return a
		}
	}
	return ""
}

// findProjectRoot resolves the project root: JINJAFORM_PROJECT_ROOT when
// set (the direnv shim exports it), otherwise the nearest ancestor of cwd
// containing a ".jinjaformrc" marker.
func findProjectRoot(cwd string) (string, error) {
	if env := os.Getenv("JINJAFORM_PROJECT_ROOT"); env != "" {
		root, err := filepath.Abs(env)
		if err != nil {
			return "", fmt.Errorf("resolving project root: %w", err)
		}
		return root, nil
	}

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, ".jinjaformrc")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no .jinjaformrc found in %s or any ancestor", cwd)
		}
		dir = parent
	}
}

// dispatch implements the gating contract a project subcommand runs under:
// a bypassed command always runs as-is; everything else requires running
// from inside the project subtree (never the root itself), assembles a
// fresh workspace, and execs the child IaC tool binary from it.
func dispatch(ctx context.Context, args []string) (int, error) {
	binary := childBinary()

	if len(args) == 0 || intersects(args, bypassedCommands) != "" {
		return tfexec.Execute(ctx, binary, args, os.Environ(), "")
	}

	cwd, err := os.Getwd()
	if err != nil {
		return 1, fmt.Errorf("resolving current directory: %w", err)
	}
	cwd, err = filepath.Abs(cwd)
	if err != nil {
		return 1, fmt.Errorf("resolving current directory: %w", err)
	}

	projectRoot, err := findProjectRoot(cwd)
	if err != nil {
		return 1, err
	}

	if cwd == projectRoot || !strings.HasPrefix(cwd+string(filepath.Separator), projectRoot+string(filepath.Separator)) {
		return 1, fmt.Errorf("not in deployment target directory, aborting")
	}

	if bad := intersects(args, forbiddenCommands); bad != "" {
		return 1, fmt.Errorf("%s not allowed", bad)
	}

	cfg, err := config.LoadOrDefault(projectRoot)
	if err != nil {
		return 1, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return 1, fmt.Errorf("validating configuration: %w", err)
	}
	if os.Getenv("JINJAFORM_TERRAFORM_BIN") == "" {
		binary = cfg.Binary
	}

	commands, err := rcfile.Load(projectRoot)
	if err != nil {
		return 1, fmt.Errorf("loading .jinjaformrc: %w", err)
	}

	extensions, err := render.LoadExtensions(projectRoot)
	if err != nil {
		return 1, fmt.Errorf("loading template extensions: %w", err)
	}

	asm := workspace.New(projectRoot, cwd, extensions)
	asm.ConfigureCaches(cfg.Cache.ModulesDir, cfg.Cache.PluginsDir)
	cloud := cloudsetup.NewAWS()

	var meta extractor.Metadata
	wantsBackend := intersects(args, backendCommands) != ""

	for _, c := range commands {
		switch c.Verb {
		case rcfile.GitCheckClean:
			if err := gitcheck.NewChecker("").CheckClean(projectRoot); err != nil {
				return 1, fmt.Errorf("git preflight: %w", err)
			}

		case rcfile.GitCheckBranch:
			branch := c.Arg
			if branch == "" {
				branch = cfg.Git.Branch
			}
			if err := gitcheck.NewChecker(branch).CheckBranch(projectRoot); err != nil {
				return 1, fmt.Errorf("git preflight: %w", err)
			}

		case rcfile.GitCheckRemote:
			if err := gitcheck.NewChecker("").CheckRemote(projectRoot); err != nil {
				return 1, fmt.Errorf("git preflight: %w", err)
			}

		case rcfile.WorkspaceCreate:
			log.Info("cleaning workspace")
			if err := asm.Clean(); err != nil {
				return 1, fmt.Errorf("cleaning workspace: %w", err)
			}
			log.Info("creating workspace")
			result, err := asm.Build(ctx)
			if err != nil {
				return 1, err
			}
			meta = result.Metadata

		case rcfile.TerraformRun:
			env := os.Environ()
			env = append(env, "TF_PLUGIN_CACHE_DIR="+asm.PluginCacheDir())
			if wantsBackend {
				creds, err := cloud.CredentialsSetup(meta)
				if err != nil {
					return 1, fmt.Errorf("setting up cloud credentials: %w", err)
				}
				env = append(env, creds...)
				if args[0] == "init" {
					if err := cloud.BackendSetup(meta); err != nil {
						return 1, fmt.Errorf("setting up backend: %w", err)
					}
				}
			}
			log.Infof("running %s", binary)
			code, err := tfexec.Execute(ctx, binary, args, env, asm.Dir())
			if err == nil && code == 0 {
				notifyPlanSummary(ctx, cfg, binary, args, env, asm.Dir())
			}
			return code, err

		case rcfile.Run:
			code, err := tfexec.Execute(ctx, "sh", []string{"-c", c.Arg}, os.Environ(), projectRoot)
			if err != nil {
				return 1, fmt.Errorf("running %q: %w", c.Arg, err)
			}
			if code != 0 {
				return code, nil
			}
		}
	}

	return 1, fmt.Errorf("TERRAFORM_RUN was never reached")
}

// notifyPlanSummary posts a plan summary comment on the PR/MR this build
// runs under, when the project enables it, the command was a saved plan,
// and the environment identifies a review context. Failures are warnings:
// a missed comment must never fail a build whose plan succeeded.
func notifyPlanSummary(ctx context.Context, cfg *config.Config, binary string, args, env []string, dir string) {
	if cfg.Notify == nil || !cfg.Notify.Enabled || args[0] != "plan" {
		return
	}
	planFile := planOutArg(args)
	if planFile == "" {
		return
	}
	notifier := notify.FromEnvironment()
	if notifier == nil {
		return
	}

	out, err := tfexec.Output(ctx, binary, []string{"show", "-json", planFile}, env, dir)
	if err != nil {
		log.WithError(err).Warn("reading saved plan for notification")
		return
	}
	summary, err := notify.ParsePlanJSON(out)
	if err != nil {
		log.WithError(err).Warn("parsing saved plan for notification")
		return
	}
	if cfg.Notify.IncludeDetails {
		text, err := tfexec.Output(ctx, binary, []string{"show", "-no-color", planFile}, env, dir)
		if err != nil {
			log.WithError(err).Warn("reading plan text for notification")
		} else {
			summary.Details = string(text)
		}
	}
	if err := notifier.Notify(ctx, summary); err != nil {
		log.WithError(err).Warn("posting plan summary")
		return
	}
	log.Info("posted plan summary")
}

// planOutArg returns the file named by a -out flag, or "" when the plan
// was not saved anywhere a later "show -json" could read it back from.
func planOutArg(args []string) string {
	for i, a := range args {
		if a == "-out" || a == "--out" {
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
		for _, prefix := range []string{"-out=", "--out="} {
			if strings.HasPrefix(a, prefix) {
				return strings.TrimPrefix(a, prefix)
			}
		}
	}
	return ""
}

// childBinary resolves the IaC tool binary name before any project
// configuration has been loaded, so a bypassed command (which never loads
// project config) still has something to exec.
func childBinary() string {
	if b := os.Getenv("JINJAFORM_TERRAFORM_BIN"); b != "" {
		return b
	}
	return "terraform"
}
