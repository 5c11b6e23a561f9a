package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/hupe1980/oil"
	"github.com/hupe1980/oil/internal/catalog"
	"github.com/hupe1980/oil/internal/wal"
)

func newStatCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Show collections and log size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.cfg.open()
			if err != nil {
				return err
			}
			defer db.Close()

			infos, err := db.Collections()
			if err != nil {
				return err
			}
			size, err := db.LogSize()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tNAME\tSIZE")
			for _, info := range infos {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", info.ID, info.Kind, info.Name, info.Size)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "log: %d bytes\n", size)
			return nil
		},
	}
}

// dumpRecord is the JSON form of a log record.
type dumpRecord struct {
	LSN        uint64 `json:"lsn"`
	Kind       string `json:"kind"`
	Collection string `json:"collection"`
	Key        string `json:"key,omitempty"`
	Extent     uint32 `json:"extent,omitempty"`
	Slot       uint32 `json:"slot,omitempty"`
	Target     string `json:"target,omitempty"`
	ValueLen   int    `json:"valueLen,omitempty"`
}

func newDumpCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the records of the log",
		Long:  "Print the records of the log in order. The database does not need to be opened, so dump works on logs that fail recovery.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.cfg.LogStore.File
			if path == "" {
				return errNoLogFile
			}
			names, err := readNames(path + ".cat")
			if err != nil {
				return err
			}
			r, err := wal.OpenReader(nil, path)
			if err != nil {
				return err
			}
			defer r.Close()
			return dump(c.out, r, names, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per record")
	return cmd
}

func readNames(path string) (map[uint32]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[uint32]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	_, entries, err := catalog.Read(f)
	if err != nil {
		return nil, err
	}
	names := make(map[uint32]string, len(entries))
	for _, e := range entries {
		names[e.ID] = e.Kind.String() + ":" + e.Name
	}
	return names, nil
}

func dump(out io.Writer, r *wal.Reader, names map[uint32]string, asJSON bool) error {
	name := func(id uint32) string {
		if n, ok := names[id]; ok {
			return n
		}
		return strconv.FormatUint(uint64(id), 10)
	}

	if !asJSON {
		fmt.Fprintf(out, "database %s\n", r.ID())
	}
	enc := json.NewEncoder(out)
	for rec, err := range r.All() {
		if err != nil {
			return err
		}
		if !asJSON {
			fmt.Fprintf(out, "%s (%s)\n", rec, name(rec.Collection))
			continue
		}
		d := dumpRecord{
			LSN:        rec.LSN,
			Kind:       rec.Kind.String(),
			Collection: name(rec.Collection),
			Key:        rec.Key,
			Extent:     rec.Extent,
			Slot:       rec.Slot,
			ValueLen:   len(rec.Value),
		}
		if rec.Kind == wal.KindQueueMove {
			d.Target = fmt.Sprintf("%s@%d:%d", name(rec.Target), rec.TargetExtent, rec.TargetSlot)
		}
		if err := enc.Encode(d); err != nil {
			return err
		}
	}
	return nil
}

func newDefragCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "defrag",
		Short: "Rewrite the log with only live entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.cfg.open()
			if err != nil {
				return err
			}
			defer db.Close()

			before, err := db.LogSize()
			if err != nil {
				return err
			}
			if err := db.Defragment(); err != nil {
				return err
			}
			after, err := db.LogSize()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "log: %d -> %d bytes\n", before, after)
			return db.Close()
		},
	}
}

func newBackupCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Copy the database to the backup target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := c.cfg.blobStore(ctx)
			if err != nil {
				return err
			}
			db, err := c.cfg.open()
			if err != nil {
				return err
			}
			defer db.Close()

			m, err := db.Backup(ctx, store)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "backup %d: %d records, %d bytes\n", m.ID, m.Records, m.Size())

			if keep := c.cfg.Backup.Keep; keep > 0 {
				if _, err := oil.PruneBackups(ctx, store, keep); err != nil {
					return err
				}
			}
			return db.Close()
		},
	}
}

func newRestoreCmd(c *cli) *cobra.Command {
	var version uint64
	cmd := &cobra.Command{
		Use:   "restore <path>",
		Short: "Restore a backup into a new database at path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := c.cfg.blobStore(ctx)
			if err != nil {
				return err
			}
			opts, err := c.cfg.options()
			if err != nil {
				return err
			}
			m, err := oil.RestoreVersion(ctx, store, version, args[0], opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "restored backup %d to %s\n", m.ID, args[0])
			return nil
		},
	}
	cmd.Flags().Uint64Var(&version, "version", 0, "backup id to restore (default: latest)")
	return cmd
}

func newBackupsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List or prune backups",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List backups, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := c.cfg.blobStore(ctx)
			if err != nil {
				return err
			}
			list, err := oil.ListBackups(ctx, store)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tRECORDS\tBYTES\tCOLLECTIONS")
			for _, m := range list {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\n",
					m.ID, m.CreatedAt.Format(time.RFC3339), m.Records, m.Size(), len(m.Collections))
			}
			return tw.Flush()
		},
	})

	var keep int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := c.cfg.blobStore(ctx)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("keep") {
				keep = c.cfg.Backup.Keep
			}
			deleted, err := oil.PruneBackups(ctx, store, keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "deleted %d backups\n", len(deleted))
			return nil
		},
	}
	prune.Flags().IntVar(&keep, "keep", 0, "number of backups to keep (default: backup.keep)")
	cmd.AddCommand(prune)
	return cmd
}
