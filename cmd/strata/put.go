package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aretw0/strata/pkg/core"
)

var (
	putFile string
	putID   string
	putRev  string
)

var putCmd = &cobra.Command{
	Use:   "put",
	Short: "Write a document",
	Long: `Create or update a document. The body is read from --file (JSON or YAML, "-" for stdin).
Updates must name the revision they are based on with --rev; a stale revision is rejected.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readBody(putFile)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		s, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		row := core.WriteRow{Document: core.Document{ID: putID, Data: body}}
		if putRev != "" {
			row.Previous = &core.Document{ID: putID, Rev: putRev}
		}
		doc, err := writeOne(cmd, s, row)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), doc)
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
	putCmd.Flags().StringVarP(&putFile, "file", "f", "-", "Document body (JSON or YAML)")
	putCmd.Flags().StringVar(&putID, "id", "", "Document id (default: the primary key field of the body)")
	putCmd.Flags().StringVar(&putRev, "rev", "", "Revision the write is based on")
}

// readBody decodes a JSON or YAML object.
func readBody(file string) (map[string]any, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	var body map[string]any
	if err := yaml.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	return body, nil
}

// writeOne runs a single-row bulk write and reports its rejection as an error.
func writeOne(cmd *cobra.Command, s *session, row core.WriteRow) (core.Document, error) {
	res, err := s.inst.BulkWrite(cmd.Context(), []core.WriteRow{row})
	if err != nil {
		return core.Document{}, err
	}
	for _, doc := range res.Success {
		return doc, nil
	}
	for _, werr := range res.Error {
		if errors.Is(werr, core.ErrConflict) && werr.Existing != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "stored revision: %s (deleted: %v)\n", werr.Existing.Rev, werr.Existing.Deleted)
		}
		return core.Document{}, werr
	}
	return core.Document{}, fmt.Errorf("write produced no result")
}
