package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"decoplan/internal/engine"
	"decoplan/internal/multimodal"
	"decoplan/internal/vision"
)

// Options are the persistent flags shared by every command.
type Options struct {
	ConfigPath string
	LogLevel   string
	ModelsDir  string
}

// NewRootCmd builds the decoplan command tree writing to stdout and stderr.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &Options{LogLevel: envOr("DECOPLAN_LOG_LEVEL", "info")}
	root := &cobra.Command{
		Use:           "decoplan",
		Short:         "Run llava-style multimodal generation on local GGUF models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "Config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level: debug|info|warn|error (defaults DECOPLAN_LOG_LEVEL or info)")
	root.PersistentFlags().StringVar(&opts.ModelsDir, "models-dir", "", "Directory to scan for *.gguf files; --model/--mmproj may then be file names")

	root.AddCommand(newGenerateCmd(opts), newModelsCmd(opts), newTemplatesCmd())
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := NewRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %s\n", describeError(err))
		return 1
	}
	return 0
}

// describeError prefixes well-known failure classes.
func describeError(err error) string {
	switch {
	case engine.IsDependencyUnavailable(err):
		return "dependency unavailable: " + err.Error()
	case engine.IsConfigurationError(err):
		return "configuration: " + err.Error()
	case vision.IsImageLoadError(err):
		return "image: " + err.Error()
	case errors.Is(err, multimodal.ErrVisionUnavailable):
		return "vision: " + err.Error()
	default:
		return err.Error()
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
