package cli

import (
	"context"

	"github.com/felixgeelhaar/recall/internal/memory"
	"github.com/spf13/cobra"
)

func newMemoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Store and retrieve long-term memories",
	}
	cmd.AddCommand(
		newMemoryRetrieveCmd(a),
		newMemoryStoreCmd(a),
		newMemoryListCmd(a),
		newMemoryDeleteCmd(a),
	)
	return cmd
}

// filterFlags are shared by retrieve and list.
type filterFlags struct {
	typ     string
	project string
	tags    []string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.typ, "type", "", "Filter by memory type")
	cmd.Flags().StringVar(&f.project, "project", "", "Filter by project")
	cmd.Flags().StringSliceVar(&f.tags, "tags", nil, "Filter by any of these tags")
}

func (f *filterFlags) filters() (memory.Filters, error) {
	out := memory.Filters{Project: f.project, Tags: f.tags}
	if f.typ != "" {
		t, err := memory.ParseType(f.typ)
		if err != nil {
			return out, err
		}
		out.Type = t
	}
	return out, nil
}

func newMemoryRetrieveCmd(a *app) *cobra.Command {
	var (
		query     string
		topK      int
		threshold float64
		maxTokens int
		ff        filterFlags
	)
	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Retrieve the memories most relevant to a query",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := ff.filters()
			if err != nil {
				return err
			}
			r, err := a.setup()
			if err != nil {
				return err
			}
			eng, err := r.Memory()
			if err != nil {
				return err
			}
			opts := []memory.RetrieveOption{memory.WithFilters(filters)}
			if cmd.Flags().Changed("top-k") {
				opts = append(opts, memory.WithTopK(topK))
			}
			if cmd.Flags().Changed("threshold") {
				opts = append(opts, memory.WithThreshold(threshold))
			}
			if maxTokens != 0 {
				opts = append(opts, memory.WithTokenBudget(maxTokens))
			}

			var res memory.Retrieval
			err = r.Do(cmd.Context(), func(ctx context.Context) error {
				res, err = eng.Retrieve(ctx, query, opts...)
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
	cmd.Flags().StringVar(&query, "query", "", "Search query")
	cmd.Flags().IntVar(&topK, "top-k", memory.DefaultTopK, "Number of results")
	cmd.Flags().Float64Var(&threshold, "threshold", memory.DefaultThreshold, "Minimum similarity")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Cap on the summed token estimate (0 for none)")
	ff.register(cmd)
	cmd.MarkFlagRequired("query")
	return cmd
}

func newMemoryStoreCmd(a *app) *cobra.Command {
	var (
		content string
		typ     string
		project string
		tags    []string
	)
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Store a new memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := memory.ParseType(typ)
			if err != nil {
				return err
			}
			r, err := a.setup()
			if err != nil {
				return err
			}
			eng, err := r.Memory()
			if err != nil {
				return err
			}

			var res memory.Stored
			err = r.Do(cmd.Context(), func(ctx context.Context) error {
				res, err = eng.Store(ctx, content, t, memory.Metadata{Project: project, Tags: tags})
				return err
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "Memory content")
	cmd.Flags().StringVar(&typ, "type", "", "Memory type: decision, code, error, conversation or technical")
	cmd.Flags().StringVar(&project, "project", "", "Project name")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Tags for the memory")
	cmd.MarkFlagRequired("content")
	cmd.MarkFlagRequired("type")
	return cmd
}

func newMemoryListCmd(a *app) *cobra.Command {
	var (
		limit  int
		offset string
		ff     filterFlags
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := ff.filters()
			if err != nil {
				return err
			}
			r, err := a.setup()
			if err != nil {
				return err
			}
			eng, err := r.Memory()
			if err != nil {
				return err
			}

			var res memory.Listing
			err = r.Do(cmd.Context(), func(ctx context.Context) error {
				res, err = eng.List(ctx, memory.ListOptions{Filters: filters, Limit: limit, Offset: offset})
				return err
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", memory.DefaultListLimit, "Max results")
	cmd.Flags().StringVar(&offset, "offset", "", "Continue from this id (next_offset of a previous page)")
	ff.register(cmd)
	return cmd
}

func newMemoryDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID...",
		Short: "Delete memories by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.setup()
			if err != nil {
				return err
			}
			eng, err := r.Memory()
			if err != nil {
				return err
			}

			var n int
			err = r.Do(cmd.Context(), func(ctx context.Context) error {
				n, err = eng.Delete(ctx, args...)
				return err
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"status": "deleted", "deleted": n})
		},
	}
}
