package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/audit"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/catalog"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/parquetfile"
)

func newCatalogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and maintain the preserved catalog",
	}

	cmd.AddCommand(newCatalogDumpCmd(a))
	cmd.AddCommand(newCatalogCheckpointCmd(a))
	cmd.AddCommand(newCatalogRebuildCmd(a))
	cmd.AddCommand(newCatalogWipeCmd(a))
	cmd.AddCommand(newCatalogCleanupCmd(a))

	return cmd
}

// withCatalog opens the catalog without the in-memory database on top.
func (a *app) withCatalog(ctx context.Context, fn func(*catalog.PreservedCatalog) error) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	dbCfg := a.cfg.DBConfig()
	c, err := catalog.OpenWithRetry(ctx, store, dbCfg.Catalog, dbCfg.OpenAttempts, dbCfg.OpenBackoff)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

type fileRow struct {
	Path      string `json:"path"`
	Revision  uint64 `json:"revision"`
	Partition string `json:"partition,omitempty"`
	Table     string `json:"table,omitempty"`
	ChunkID   uint32 `json:"chunk_id"`
	Rows      uint64 `json:"rows"`
	Bytes     int64  `json:"bytes"`
}

type catalogDump struct {
	Database     string    `json:"database"`
	Revision     *uint64   `json:"revision"`
	HeadUUID     string    `json:"head_uuid,omitempty"`
	Transactions []uint64  `json:"transactions"`
	Files        []fileRow `json:"files"`
}

func newCatalogDumpCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the catalog head and its live files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withCatalog(cmd.Context(), func(c *catalog.PreservedCatalog) error {
				revs, err := c.TransactionRevisions(cmd.Context())
				if err != nil {
					return err
				}

				dump := catalogDump{Database: a.cfg.Database, Transactions: revs}
				if rev, ok := c.Revision(); ok {
					dump.Revision = &rev
					dump.HeadUUID = c.HeadUUID().String()
				}
				for _, f := range c.Files() {
					row := fileRow{Path: f.Path.String(), Revision: f.Revision}
					if md, err := parquetfile.DecodeMetadata(f.Metadata); err == nil {
						row.Partition = md.PartitionKey
						row.Table = md.TableName
						row.ChunkID = md.ChunkID
						row.Rows = md.RowCount
						row.Bytes = md.FileSize
					}
					dump.Files = append(dump.Files, row)
				}

				out := cmd.OutOrStdout()
				if a.output == "json" {
					return printJSON(out, dump)
				}

				if dump.Revision == nil {
					fmt.Fprintf(out, "database %s: no transactions\n", dump.Database)
					return nil
				}
				fmt.Fprintf(out, "database %s: revision %d (%s), %d transaction files, %d live files\n",
					dump.Database, *dump.Revision, dump.HeadUUID, len(revs), len(dump.Files))

				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "REVISION\tPARTITION\tTABLE\tCHUNK\tROWS\tBYTES\tPATH")
				for _, f := range dump.Files {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
						f.Revision, f.Partition, f.Table, f.ChunkID, f.Rows, f.Bytes, f.Path)
				}
				return tw.Flush()
			})
		},
	}
}

func newCatalogCheckpointCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Write a checkpoint at the current head",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.cfg.Catalog.Checkpoints {
				return errors.New("checkpoints are disabled (catalog.checkpoints)")
			}
			return a.withCatalog(cmd.Context(), func(c *catalog.PreservedCatalog) error {
				rev, err := c.Checkpoint(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checkpoint written at revision %d\n", rev)
				return nil
			})
		},
	}
}

func newCatalogRebuildCmd(a *app) *cobra.Command {
	var ignoreMetadataErrors bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recreate an empty catalog from data file metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, closeStore, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			c, err := catalog.Rebuild(ctx, store, a.cfg.CatalogOptions(), catalog.RebuildOptions{
				IgnoreMetadataErrors: ignoreMetadataErrors,
			})
			if err != nil {
				return err
			}
			defer c.Close()

			rev, _ := c.Revision()
			fmt.Fprintf(cmd.OutOrStdout(), "catalog rebuilt: revision %d, %d live files\n", rev, c.Len())
			return nil
		},
	}

	cmd.Flags().BoolVar(&ignoreMetadataErrors, "ignore-metadata-errors", false, "Skip data files whose metadata cannot be read")
	return cmd
}

func newCatalogWipeCmd(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete every transaction and checkpoint, keeping data files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to wipe without --yes")
			}
			ctx := cmd.Context()
			store, closeStore, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			n, err := catalog.Wipe(ctx, store, catalog.Root(a.cfg.ServerID, a.cfg.Database))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wiped %d catalog objects\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the wipe")
	return cmd
}

func newCatalogCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete data files no live catalog entry references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withCatalog(cmd.Context(), func(c *catalog.PreservedCatalog) error {
				deleted, err := c.CleanupUnreferenced(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.output == "json" {
					paths := make([]string, 0, len(deleted))
					for _, p := range deleted {
						paths = append(paths, p.String())
					}
					return printJSON(out, paths)
				}
				for _, p := range deleted {
					fmt.Fprintln(out, p.String())
				}
				fmt.Fprintf(out, "deleted %d unreferenced files\n", len(deleted))
				return nil
			})
		},
	}
}

func newAuditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the commit audit trail",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain of locally stored audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backup, err := audit.NewFileBackup(a.cfg.Audit.Dir)
			if err != nil {
				return err
			}
			events, err := backup.Load(a.cfg.Database)
			if err != nil {
				return err
			}
			if i := audit.VerifyChain(events); i >= 0 {
				return fmt.Errorf("audit chain broken at event %d (revision %d)", i, events[i].Transaction.Revision)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "audit chain intact: %d events\n", len(events))
			return nil
		},
	})

	return cmd
}
