package cli

import (
	"github.com/felixgeelhaar/recall/internal/embed"
	"github.com/felixgeelhaar/recall/internal/errs"
	"github.com/spf13/cobra"
)

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the configured embedding provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.setup()
			if err != nil {
				return err
			}
			if h, ok := embed.MissingKey(r.Config.Embedding); ok {
				if err := writeJSON(cmd.OutOrStdout(), h); err != nil {
					return err
				}
				return errs.E(errs.Config, "health", "%s provider %s: %s", h.Provider, h.Status, h.Detail)
			}
			e, err := r.Embedder()
			if err != nil {
				return err
			}
			h := e.Health(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), h); err != nil {
				return err
			}
			if h.Available {
				return nil
			}
			kind := errs.Config
			if h.Status == embed.StatusUnreachable {
				kind = errs.Connection
			}
			return errs.E(kind, "health", "%s provider %s: %s", h.Provider, h.Status, h.Detail)
		},
	}
}
