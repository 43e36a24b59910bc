package cli

import (
	"context"
	"strconv"
	"time"

	"github.com/felixgeelhaar/recall/internal/cache"
	"github.com/felixgeelhaar/recall/internal/config"
	"github.com/felixgeelhaar/recall/internal/errs"
	"github.com/spf13/cobra"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Check, store and clear cached answers",
	}
	cmd.AddCommand(newCacheCheckCmd(a), newCacheStoreCmd(a), newCacheClearCmd(a))
	return cmd
}

func newCacheCheckCmd(a *app) *cobra.Command {
	var (
		query     string
		threshold float64
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Look up a cached answer to a query",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.setup()
			if err != nil {
				return err
			}
			eng, err := r.Cache()
			if err != nil {
				return err
			}
			var opts []cache.CheckOption
			if cmd.Flags().Changed("threshold") {
				opts = append(opts, cache.WithThreshold(threshold))
			}

			var res cache.Result
			err = r.Do(cmd.Context(), func(ctx context.Context) error {
				res, err = eng.Check(ctx, query, opts...)
				return err
			})
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Hit {
				return errNoResult
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "Query to look up")
	cmd.Flags().Float64Var(&threshold, "threshold", cache.DefaultThreshold, "Minimum similarity for a hit")
	cmd.MarkFlagRequired("query")
	return cmd
}

func newCacheStoreCmd(a *app) *cobra.Command {
	var query, response, model, project string
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Store the answer to a query",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.setup()
			if err != nil {
				return err
			}
			eng, err := r.Cache()
			if err != nil {
				return err
			}

			var res cache.Stored
			err = r.Do(cmd.Context(), func(ctx context.Context) error {
				res, err = eng.Store(ctx, query, response, cache.Metadata{Model: model, Project: project})
				return err
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "Query the response answers")
	cmd.Flags().StringVar(&response, "response", "", "Answer to cache")
	cmd.Flags().StringVar(&model, "model", "gpt-4", "Model that produced the answer")
	cmd.Flags().StringVar(&project, "project", "", "Project name")
	cmd.MarkFlagRequired("query")
	cmd.MarkFlagRequired("response")
	return cmd
}

func newCacheClearCmd(a *app) *cobra.Command {
	var (
		olderThan string
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Evict old cache entries",
		Long: `Evict cache entries older than --older-than (a bare number is days; units
like 12h or 30d are accepted). --all removes every cache entry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			age, err := parseAge(olderThan)
			if err != nil {
				return err
			}
			r, err := a.setup()
			if err != nil {
				return err
			}
			eng, err := r.Cache()
			if err != nil {
				return err
			}

			var res cache.Eviction
			err = r.Do(cmd.Context(), func(ctx context.Context) error {
				if all {
					res, err = eng.Clear(ctx)
				} else {
					res, err = eng.Evict(ctx, age)
				}
				return err
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&olderThan, "older-than", "7", "Age of entries to evict")
	cmd.Flags().BoolVar(&all, "all", false, "Remove every cache entry")
	return cmd
}

func parseAge(s string) (time.Duration, error) {
	if days, err := strconv.Atoi(s); err == nil {
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := config.ParseDuration(s)
	if err != nil {
		return 0, errs.E(errs.Invalid, "cli.older_than", "invalid age %q", s)
	}
	return d, nil
}
