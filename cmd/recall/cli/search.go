package cli

import (
	"context"

	"github.com/felixgeelhaar/recall/internal/hybrid"
	"github.com/spf13/cobra"
)

func newSearchCmd(a *app) *cobra.Command {
	var (
		query     string
		keywords  []string
		excludes  []string
		topK      int
		threshold float64
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Similarity search narrowed by exact keyword filters",
		Example: `  recall search --query "kubernetes deployment failed" \
      --keyword error_code=ImagePullBackOff --keyword namespace=production`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.setup()
			if err != nil {
				return err
			}
			s, err := r.Searcher()
			if err != nil {
				return err
			}
			q := hybrid.Query{
				Include: hybrid.ParsePairs(keywords),
				Exclude: hybrid.ParsePairs(excludes),
				TopK:    topK,
			}
			if cmd.Flags().Changed("threshold") {
				q.Threshold = &threshold
			}

			var res hybrid.Result
			err = r.Do(cmd.Context(), func(ctx context.Context) error {
				res, err = s.Search(ctx, query, q)
				return err
			})
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Total == 0 {
				return errNoResult
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "Natural language query")
	cmd.Flags().StringArrayVar(&keywords, "keyword", nil, "Required field match as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&excludes, "exclude", nil, "Excluded field match as key=value (repeatable)")
	cmd.Flags().IntVar(&topK, "top-k", 0, "Number of results (default from config, 10)")
	cmd.Flags().Float64Var(&threshold, "threshold", hybrid.DefaultThreshold, "Minimum similarity (default from config)")
	cmd.MarkFlagRequired("query")
	return cmd
}
