package cli

import (
	"strings"

	"github.com/felixgeelhaar/recall/internal/config"
	"github.com/felixgeelhaar/recall/internal/credential"
	"github.com/felixgeelhaar/recall/internal/errs"
	"github.com/spf13/cobra"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(newConfigSetKeyCmd(a), newConfigShowCmd(a))
	return cmd
}

func newConfigSetKeyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-key PROVIDER KEY",
		Short: "Store an API key (encrypted) in the config file",
		Long:  "Store an API key for openai or gemini. The key is sealed before it is written.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, key := strings.ToLower(args[0]), args[1]
			path := a.path()

			// The environment is not applied so that env secrets never end
			// up in the file.
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			switch provider {
			case "openai":
				cfg.Embedding.OpenAIKey = key
			case "gemini":
				cfg.Embedding.GeminiKey = key
			default:
				return errs.E(errs.Invalid, "cli.set_key", "provider %q takes no API key (use openai or gemini)", provider)
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"status":   "saved",
				"provider": provider,
				"key":      credential.Mask(key),
				"path":     path,
			})
		},
	}
}

func newConfigShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Embedding.OpenAIKey != "" {
				cfg.Embedding.OpenAIKey = credential.Mask(cfg.Embedding.OpenAIKey)
			}
			if cfg.Embedding.GeminiKey != "" {
				cfg.Embedding.GeminiKey = credential.Mask(cfg.Embedding.GeminiKey)
			}
			return writeJSON(cmd.OutOrStdout(), cfg)
		},
	}
}
