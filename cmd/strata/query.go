package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aretw0/strata/pkg/query"
)

var (
	querySelector string
	querySort     string
	queryLimit    int
	querySkip     int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Find documents with a selector",
	Long: `Run a Mango-style selector against the collection, e.g.

  strata query --selector '{"age": {"$gt": 10}}' --sort age,-name --limit 5`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := query.Query{Limit: queryLimit, Skip: querySkip}
		if querySelector != "" {
			if err := yaml.Unmarshal([]byte(querySelector), &q.Selector); err != nil {
				return fmt.Errorf("invalid selector: %w", err)
			}
		}
		if querySort != "" {
			sort, err := query.ParseSort(querySort)
			if err != nil {
				return err
			}
			q.Sort = sort
		}

		ctx := cmd.Context()
		s, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		p, err := s.inst.PrepareQuery(q)
		if err != nil {
			return err
		}
		docs, err := s.inst.Query(ctx, p)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), docs)
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&querySelector, "selector", "s", "", "Selector (JSON or YAML)")
	queryCmd.Flags().StringVar(&querySort, "sort", "", "Sort fields, comma separated; prefix with - for descending")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "Maximum number of results")
	queryCmd.Flags().IntVar(&querySkip, "skip", 0, "Number of results to skip")
}
