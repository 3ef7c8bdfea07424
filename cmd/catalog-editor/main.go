// cmd/catalog-editor/main.go
// Package main implements the catalog-editor command line tool. It validates
// a dataset entry file and appends it to the local catalog document.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/heliocloud/registration-go/internal/catalog"
	"github.com/heliocloud/registration-go/internal/entry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "catalog-editor: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		entryPath   string
		catalogPath string
	)

	cmd := &cobra.Command{
		Use:   "catalog-editor",
		Short: "Append a validated dataset entry to the local catalog",
		Long: `catalog-editor validates a dataset entry file (JSON) and appends it to
the local catalog document. Entries with an id already present in the
catalog are refused; the catalog never shrinks through this tool.

The catalog file is locked during the edit. A second editor running at
the same time waits briefly for the lock and then fails rather than
corrupting the document.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(entryPath)
			if err != nil {
				return fmt.Errorf("reading entry file: %w", err)
			}
			ds, err := entry.Parse(data, entryPath)
			if err != nil {
				return err
			}
			if err := catalog.NewEditor(catalogPath).Add(*ds); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %q to %s\n", ds.ID, catalogPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&entryPath, "file", "f", "", "dataset entry file to add (required)")
	cmd.Flags().StringVarP(&catalogPath, "catalog", "c", "catalog.json", "catalog document to edit")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
