package cli

import (
	"context"

	"github.com/felixgeelhaar/recall/internal/collection"
	"github.com/felixgeelhaar/recall/internal/errs"
	"github.com/felixgeelhaar/recall/internal/vectorstore"
	"github.com/spf13/cobra"
)

type initEntry struct {
	Collection string            `json:"collection"`
	Status     collection.Status `json:"status"`
	Dimension  int               `json:"dimension"`
	Distance   string            `json:"distance"`
	Content    string            `json:"content,omitempty"`
}

func newInitCmd(a *app) *cobra.Command {
	var (
		name      string
		dimension int
		distance  string
		content   string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create collections and their payload indexes",
		Long: `Without --collection, create the configured cache and memory collections
sized for the embedding provider. With --collection, create that one
collection; --dimension defaults to the provider's dimension.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.setup()
			if err != nil {
				return err
			}
			emb, err := r.Embedder()
			if err != nil {
				return err
			}
			store, err := r.Store()
			if err != nil {
				return err
			}

			var specs []collection.Spec
			if name == "" {
				cd, err := vectorstore.ParseDistance(r.Config.Cache.Distance)
				if err != nil {
					return err
				}
				md, err := vectorstore.ParseDistance(r.Config.Memory.Distance)
				if err != nil {
					return err
				}
				specs = []collection.Spec{
					{Name: r.Config.Cache.Collection, Dimension: emb.Dimension(), Distance: cd, Content: collection.Cache},
					{Name: r.Config.Memory.Collection, Dimension: emb.Dimension(), Distance: md, Content: collection.Memory},
				}
			} else {
				d, err := vectorstore.ParseDistance(distance)
				if err != nil {
					return err
				}
				if content != "" && content != collection.Cache && content != collection.Memory {
					return errs.E(errs.Invalid, "cli.init", "content must be cache or memory, got %q", content)
				}
				if dimension == 0 {
					dimension = emb.Dimension()
				}
				specs = []collection.Spec{{Name: name, Dimension: dimension, Distance: d, Content: content}}
			}

			var out []initEntry
			for _, spec := range specs {
				var status collection.Status
				err := r.Do(cmd.Context(), func(ctx context.Context) error {
					var err error
					status, err = collection.Ensure(ctx, store, spec)
					return err
				})
				if err != nil {
					return err
				}
				r.Observer.Log().Info().Str("collection", spec.Name).Str("status", string(status)).Msg("collection ready")
				out = append(out, initEntry{
					Collection: spec.Name,
					Status:     status,
					Dimension:  spec.Dimension,
					Distance:   string(spec.Distance),
					Content:    spec.Content,
				})
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"status": "success", "collections": out})
		},
	}
	cmd.Flags().StringVar(&name, "collection", "", "Collection name")
	cmd.Flags().IntVar(&dimension, "dimension", 0, "Vector dimension")
	cmd.Flags().StringVar(&distance, "distance", "cosine", "Distance metric: cosine, euclid or dot")
	cmd.Flags().StringVar(&content, "content", "", "Content kind: cache, memory or empty for a shared collection")
	return cmd
}
