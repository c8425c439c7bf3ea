package main

import (
	"github.com/spf13/cobra"

	"github.com/aretw0/strata/pkg/core"
)

var deleteRev string

var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a document",
	Long:  `Write a tombstone for the document. The id stays reserved and the deletion appears in the change log.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		doc, err := writeOne(cmd, s, core.WriteRow{
			Previous: &core.Document{ID: args[0], Rev: deleteRev},
			Document: core.Document{ID: args[0], Deleted: true},
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), doc)
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().StringVar(&deleteRev, "rev", "", "Revision being deleted")
	deleteCmd.MarkFlagRequired("rev")
}
