package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get ID...",
	Short: "Read documents by id",
	Long:  `Print the current state of the given documents as JSON. Deleted and unknown ids are reported on stderr.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		docs, err := s.inst.FindDocumentsByID(ctx, args)
		if err != nil {
			return err
		}
		missing := 0
		for _, id := range args {
			if _, ok := docs[id]; !ok {
				fmt.Fprintf(cmd.ErrOrStderr(), "not found: %s\n", id)
				missing++
			}
		}
		if err := printJSON(cmd.OutOrStdout(), docs); err != nil {
			return err
		}
		if missing > 0 {
			return fmt.Errorf("%d of %d documents not found", missing, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
