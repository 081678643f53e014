package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/chunk"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/tables"
)

func newLoadCmd(a *app) *cobra.Command {
	var (
		table   string
		file    string
		persist bool
	)

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Write newline-delimited JSON rows into a table",
		Long: `Reads rows of the form {"time": "...", "tags": {...}, "fields": {...}}
from --file or stdin, writes them into the table and by default persists
every chunk before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			var r io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer f.Close()
				r = f
			}

			rows, err := tables.DecodeJSONRows(r, time.Now().UTC())
			if err != nil {
				return err
			}

			d, cleanup, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := d.Write(ctx, table, rows); err != nil {
				return fmt.Errorf("write %s: %w", table, err)
			}
			if persist {
				if err := d.PersistAll(ctx); err != nil {
					return fmt.Errorf("persist: %w", err)
				}
			}

			logging.Component("main").Info("rows loaded",
				"table", table,
				"rows", len(rows),
				"persisted", persist,
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&table, "table", "t", "", "Target table (required)")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "Input file, - for stdin")
	cmd.Flags().BoolVar(&persist, "persist", true, "Persist every chunk after writing")
	_ = cmd.MarkFlagRequired("table")

	return cmd
}

type chunkRow struct {
	Partition        string    `json:"partition"`
	Table            string    `json:"table"`
	ID               uint32    `json:"id"`
	Tier             string    `json:"tier"`
	Action           string    `json:"action,omitempty"`
	Rows             uint64    `json:"rows"`
	MemoryBytes      uint64    `json:"memory_bytes"`
	ObjectStoreBytes int64     `json:"object_store_bytes"`
	FirstWrite       time.Time `json:"first_write"`
	LastWrite        time.Time `json:"last_write"`
	Path             string    `json:"path,omitempty"`
}

func toChunkRow(s chunk.Summary) chunkRow {
	row := chunkRow{
		Partition:        s.Addr.PartitionKey,
		Table:            s.Addr.TableName,
		ID:               s.Addr.ID,
		Tier:             s.Tier.String(),
		Rows:             s.RowCount,
		MemoryBytes:      s.EstimatedBytes,
		ObjectStoreBytes: s.ObjectStoreBytes,
		FirstWrite:       s.TimeOfFirstWrite,
		LastWrite:        s.TimeOfLastWrite,
	}
	if s.Action != chunk.ActionNone {
		row.Action = s.Action.String()
	}
	if !s.Path.IsZero() {
		row.Path = s.Path.String()
	}
	return row
}

func newChunksCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chunks",
		Short: "List the chunks known to the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, cleanup, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			summaries := d.ListChunks()
			rows := make([]chunkRow, 0, len(summaries))
			for _, s := range summaries {
				rows = append(rows, toChunkRow(s))
			}

			out := cmd.OutOrStdout()
			if a.output == "json" {
				return printJSON(out, rows)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PARTITION\tTABLE\tID\tTIER\tACTION\tROWS\tMEMORY\tSTORED\tPATH")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
					r.Partition, r.Table, r.ID, r.Tier, r.Action, r.Rows, r.MemoryBytes, r.ObjectStoreBytes, r.Path)
			}
			return tw.Flush()
		},
	}
}
