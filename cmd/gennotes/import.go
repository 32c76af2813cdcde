package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/spf13/cobra"

	"gennotes/internal/core"
	"gennotes/pkg/domain"
)

const maxImportLine = 16 << 20

func newImportCmd(opts *rootOptions) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "import <file.ndjson|->",
		Short: "Bulk import variant and relation records from NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return withApp(cmd, opts, func(a *app) error {
				bot := a.cfg.Import.BotUser
				importer := a.svc.NewImporter(
					core.WithBatchSize(a.cfg.Import.BatchSize),
					core.WithImportUser(domain.User{ID: bot, Username: bot}),
					core.WithImportComment(comment),
					core.WithRelationKey(a.cfg.Import.RelationKey),
				)
				summary, err := importer.Import(cmd.Context(), readRecords(in))
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(summaryOutput(summary)); encErr != nil {
					return encErr
				}
				if err != nil {
					return err
				}
				if len(summary.Failed) > 0 {
					return fmt.Errorf("%d of %d chunks failed", len(summary.Failed), summary.Chunks)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", core.DefaultImportComment, "commit comment recorded on every revision")
	return cmd
}

// readRecords decodes one ImportRecord per non-empty line.
func readRecords(r io.Reader) iter.Seq2[core.ImportRecord, error] {
	return func(yield func(core.ImportRecord, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxImportLine)
		line := 0
		for sc.Scan() {
			line++
			if len(sc.Bytes()) == 0 {
				continue
			}
			var rec core.ImportRecord
			if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
				yield(core.ImportRecord{}, fmt.Errorf("line %d: %w", line, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(core.ImportRecord{}, err)
		}
	}
}

type chunkFailure struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Error string `json:"error"`
}

type importOutput struct {
	Records          int            `json:"records"`
	Chunks           int            `json:"chunks"`
	VariantsCreated  int            `json:"variants_created"`
	VariantsUpdated  int            `json:"variants_updated"`
	RelationsCreated int            `json:"relations_created"`
	RelationsUpdated int            `json:"relations_updated"`
	Unchanged        int            `json:"unchanged"`
	Failed           []chunkFailure `json:"failed,omitempty"`
}

func summaryOutput(s core.ImportSummary) importOutput {
	out := importOutput{
		Records:          s.Records,
		Chunks:           s.Chunks,
		VariantsCreated:  s.VariantsCreated,
		VariantsUpdated:  s.VariantsUpdated,
		RelationsCreated: s.RelationsCreated,
		RelationsUpdated: s.RelationsUpdated,
		Unchanged:        s.Unchanged,
	}
	for _, f := range s.Failed {
		out.Failed = append(out.Failed, chunkFailure{Start: f.Start, End: f.End, Error: f.Err.Error()})
	}
	return out
}
