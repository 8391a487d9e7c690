package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"decoplan/internal/config"
	"decoplan/internal/multimodal"
	"decoplan/internal/registry"
	"decoplan/pkg/types"
)

func newModelsCmd(opts *Options) *cobra.Command {
	var format string
	var projectorsOnly bool
	cmd := &cobra.Command{
		Use:     "models",
		Short:   "List GGUF language models and vision projectors in the models directory",
		Example: "  decoplan models --models-dir ~/models\n  decoplan models --models-dir ~/models --format json --projectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := opts.ModelsDir
			if dir == "" && opts.ConfigPath != "" {
				cfg, err := config.Load(opts.ConfigPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				dir = cfg.ModelsDir
			}
			if dir == "" {
				return fmt.Errorf("models requires --models-dir or config 'models_dir'")
			}
			models, err := registry.LoadDir(dir)
			if err != nil {
				return err
			}
			if projectorsOnly {
				models = registry.Projectors(models)
			}
			return writeModels(cmd, format, models)
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json|yaml")
	cmd.Flags().BoolVar(&projectorsOnly, "projectors", false, "Only list vision projectors")
	return cmd
}

func writeModels(cmd *cobra.Command, format string, models []types.Model) error {
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	case "yaml":
		enc := yaml.NewEncoder(out)
		if err := enc.Encode(models); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tQUANT\tFAMILY\tSIZE")
		for _, m := range models {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Kind, m.Quant, m.Family, humanBytes(m.SizeBytes))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func newTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "Show the prompt templates used when an image is attached",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range multimodal.TemplateNames() {
				t, _ := multimodal.LookupTemplate(name)
				fmt.Fprintf(cmd.OutOrStdout(), "%s:\n%q\n", name, t.Format)
			}
			return nil
		},
	}
}
