package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aretw0/strata/pkg/adapters/fs"
	"github.com/aretw0/strata/pkg/changelog"
	"github.com/aretw0/strata/pkg/core"
)

var (
	changesSince  int64
	changesDesc   bool
	changesLimit  int
	changesLatest bool
	changesFollow bool
)

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Print the change log",
	Long: `Print change events as JSON lines. With --follow the command keeps running and prints
events written by other processes (fs adapter only).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if changesFollow && changesDesc {
			return fmt.Errorf("--follow cannot be combined with --desc")
		}

		ctx := cmd.Context()
		s, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		order := changelog.Asc
		if changesDesc {
			order = changelog.Desc
		}
		res, err := s.inst.GetChanges(ctx, changelog.ChangesOptions{
			StartSequence:     changesSince,
			Order:             order,
			Limit:             changesLimit,
			LatestPerDocument: changesLatest,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, ev := range res.Changes {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		if !changesFollow {
			return nil
		}

		after := res.LastSequence
		if n := len(res.Changes); n > 0 && changesLimit > 0 {
			after = res.Changes[n-1].Sequence
		}
		return follow(ctx, s, after, enc)
	},
}

func init() {
	rootCmd.AddCommand(changesCmd)
	changesCmd.Flags().Int64Var(&changesSince, "since", 0, "Exclusive start sequence")
	changesCmd.Flags().BoolVar(&changesDesc, "desc", false, "Newest first")
	changesCmd.Flags().IntVar(&changesLimit, "limit", 0, "Maximum number of events")
	changesCmd.Flags().BoolVar(&changesLatest, "latest", false, "Only the latest event of each document")
	changesCmd.Flags().BoolVarP(&changesFollow, "follow", "F", false, "Keep printing new events")
}

// follow tails the on-disk change log until interrupted.
func follow(ctx context.Context, s *session, after int64, enc *json.Encoder) error {
	adapter, ok := s.opener.(*fs.Adapter)
	if !ok {
		return fmt.Errorf("--follow requires the fs adapter, not %s", s.opener.Name())
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	ns := core.Namespace{Database: s.cfg.Database, Collection: s.cfg.Collection}
	f := fs.NewFollower(adapter.Dir(ns), after, slog.Default())
	if err := f.Start(ctx); err != nil {
		return err
	}
	defer f.Stop(context.Background())

	slog.Debug("following change log", "store", ns.String(), "after", after)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-f.Events():
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
	}
}
