// Package cli implements the gitfs command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/auth"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/cache"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/config"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/errs"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/fs"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/logging"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/remote"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/resolver"
)

var version = "dev"

// SetVersion sets the version reported by --version.
func SetVersion(v string) {
	if v != "" {
		version = v
	}
}

type options struct {
	configPath string
	verbose    bool
	allowOther bool
}

// mounter serves a filesystem until ctx is cancelled. Replaced in tests.
type mounter func(ctx context.Context, vfs *fs.GitFS, mountPoint string) error

func serveFS(ctx context.Context, vfs *fs.GitFS, mountPoint string) error {
	return vfs.Serve(ctx, mountPoint)
}

// tokenSource obtains the access token. Replaced in tests.
type tokenSource func(ctx context.Context, cfg *config.Config, log *logging.Logger) (string, error)

type app struct {
	out   io.Writer
	token tokenSource
	mount mounter
}

// NewRootCommand returns the gitfs root command.
func NewRootCommand() *cobra.Command {
	return newApp().command()
}

func newApp() *app {
	return &app{out: os.Stdout, token: auth.Token, mount: serveFS}
}

func (a *app) command() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:     "gitfs <cache-root> <mount-point>",
		Version: version,
		Short:   "Mount GitHub as a lazily materialized read-only filesystem",
		Long: `gitfs mounts every GitHub repository under <mount-point>/github.com/<owner>/<repo>.

Directories are listed from the GitHub API on first access and file contents are
downloaded only when a file is opened. Everything fetched is kept under <cache-root>.
Accessing a repository's .git directory performs one real clone of that repository.`,
		Args:          cobra.ExactArgs(2),
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Usage is only useful for argument errors
			cmd.SilenceUsage = true
			return a.run(cmd.Context(), opts, args[0], args[1])
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default "+config.GetConfigPath()+")")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&opts.allowOther, "allow-other", false, "allow other users to access the mount")

	return cmd
}

func (a *app) run(ctx context.Context, opts *options, cacheRoot, mountPoint string) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	log, err := newLogger(a.out, cfg, opts.verbose)
	if err != nil {
		return err
	}

	log.Info("Starting gitfs %s...", version)
	if path := cfg.Path(); path != "" {
		log.Debug("Config file: %s", path)
	}

	cacheRoot, err = filepath.Abs(cacheRoot)
	if err != nil {
		return errs.IO("resolve", cacheRoot, err)
	}
	mountPoint = filepath.Clean(mountPoint)
	log.Debug("Cache root: %s", cacheRoot)
	log.Debug("Mount point: %s", mountPoint)

	forgeDir := cache.NewLayout(cacheRoot).ForgeDir()
	if err := os.MkdirAll(forgeDir, 0o755); err != nil {
		log.Error("Failed to create cache directory %s: %v", forgeDir, err)
		return errs.IO("mkdir", forgeDir, err)
	}

	token, err := a.token(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to obtain GitHub token: %w", err)
	}

	client, err := remote.New(token,
		remote.WithBaseURL(cfg.APIBaseURL),
		remote.WithUserAgent(cfg.UserAgent),
		remote.WithTimeout(cfg.RequestTimeout),
		remote.WithPerPage(cfg.PerPage),
		remote.WithLogger(log),
	)
	if err != nil {
		return err
	}

	store, err := cache.New(cacheRoot, client,
		cache.WithGitBinary(cfg.GitBinary),
		cache.WithRetention(cache.RetainForProcess),
		cache.WithLogger(log),
	)
	if err != nil {
		return err
	}

	res := resolver.New(store, client,
		resolver.WithFilteredNames(cfg.FilteredNames),
		resolver.WithLogger(log),
	)

	fsOpts := []fs.Option{fs.WithLogger(log)}
	if opts.allowOther {
		fsOpts = append(fsOpts, fs.WithAllowOther())
	}
	vfs := fs.New(res, fsOpts...)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.mount(ctx, vfs, mountPoint); err != nil {
		return err
	}
	log.Info("Clean shutdown complete")
	return nil
}

func newLogger(w io.Writer, cfg *config.Config, verbose bool) (*logging.Logger, error) {
	log := logging.New(w, "gitfs")

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errs.Invalid("log_level", err.Error())
	}
	if verbose && level < logging.LevelDebug {
		level = logging.LevelDebug
	}
	log.SetLevel(level)
	return log, nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}
