package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aretw0/strata/pkg/attachment"
	"github.com/aretw0/strata/pkg/core"
)

var (
	attachType string
	attachRev  string
)

var attachCmd = &cobra.Command{
	Use:   "attach ID NAME FILE",
	Short: "Attach a file to a document",
	Long: `Store FILE as attachment NAME of document ID, creating a new revision.
--rev names the revision the write is based on; it defaults to the current one.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, name, file := args[0], args[1], args[2]
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read attachment: %w", err)
		}
		contentType := attachType
		if contentType == "" {
			contentType = mime.TypeByExtension(filepath.Ext(file))
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		ctx := cmd.Context()
		s, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		docs, err := s.inst.FindDocumentsByID(ctx, []string{id})
		if err != nil {
			return err
		}
		current, ok := docs[id]
		if !ok {
			return fmt.Errorf("document %s: %w", id, core.ErrNotFound)
		}

		base := current
		if attachRev != "" {
			base.Rev = attachRev
		}
		next := current.Clone()
		if next.Attachments == nil {
			next.Attachments = make(map[string]core.Attachment)
		}
		next.Attachments[name] = core.Attachment{ContentType: contentType, Data: data}

		doc, err := writeOne(cmd, s, core.WriteRow{Previous: &base, Document: next})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), doc.Attachments[name])
	},
}

var catCmd = &cobra.Command{
	Use:   "cat ID NAME",
	Short: "Print the bytes of an attachment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		data, err := s.inst.GetAttachmentData(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash FILE",
	Short: "Print the attachment digest of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), attachment.Hash(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(attachCmd, catCmd, hashCmd)
	attachCmd.Flags().StringVarP(&attachType, "type", "t", "", "Content type (default: from the file extension)")
	attachCmd.Flags().StringVar(&attachRev, "rev", "", "Revision the write is based on")
}
