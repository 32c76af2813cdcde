package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"gennotes/pkg/domain"
)

func newExportCmd(opts *rootOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an NDJSON archive of the knowledge base to the blob store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(a *app) error {
				worker, err := a.archiveWorker(cmd.Context())
				if err != nil {
					return err
				}
				job, err := worker.Export(cmd.Context(), domain.User{ID: user, Username: user})
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(job); encErr != nil {
					return encErr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "gennotes-cli", "identity recorded as the export requester")
	return cmd
}
