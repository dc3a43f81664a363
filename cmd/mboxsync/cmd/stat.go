package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mboxsync/mboxsync/internal/mboxindex"
	"github.com/mboxsync/mboxsync/internal/mboxparser"
)

var statIndexPath string

var statCmd = &cobra.Command{
	Use:   "stat <mbox>",
	Short: "Report whether a mbox needs a sync pass, without writing anything",
	Long: `stat runs the cheap change detector (spec.md §4.9): it compares the
mbox's current mtime and size against the index's stored sync_stamp and
sync_size and reports "unchanged" or "changed", plus the indexed message
count. It never opens a write descriptor on the mbox.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mboxPath := args[0]

		info, err := os.Stat(mboxPath)
		if err != nil {
			return fmt.Errorf("stat mbox: %w", err)
		}

		if err := validateMboxFile(mboxPath); err != nil {
			fmt.Printf("warning: %v\n", err)
		}

		dsn := statIndexPath
		if dsn == "" {
			dsn = cfg.IndexDSN(mboxPath)
		}
		idx, err := mboxindex.Open(dsn)
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()

		ctx := cmd.Context()
		hdr, err := idx.Header(ctx)
		if err != nil {
			return fmt.Errorf("read index header: %w", err)
		}

		unchanged := info.ModTime().Unix() == hdr.SyncStamp && info.Size() == hdr.SyncSize

		tx, err := idx.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin index transaction: %w", err)
		}
		count, err := tx.ViewMessagesCount(ctx)
		_ = tx.Rollback(ctx)
		if err != nil {
			return fmt.Errorf("count indexed messages: %w", err)
		}

		status := "changed"
		if unchanged {
			status = "unchanged"
		}
		fmt.Printf("mbox:      %s\n", mboxPath)
		fmt.Printf("status:    %s\n", status)
		fmt.Printf("messages:  %d\n", count)
		fmt.Printf("uid_validity: %d\n", hdr.UIDValidity)
		fmt.Printf("next_uid:     %d\n", hdr.NextUID)
		fmt.Printf("size:      %d (indexed %d)\n", info.Size(), hdr.SyncSize)
		fmt.Printf("mtime:     %d (indexed %d)\n", info.ModTime().Unix(), hdr.SyncStamp)

		return nil
	},
}

// validateMboxFile performs the teacher-style pre-flight check
// (SPEC_FULL.md "Validate pre-flight check") before any sync opens a write
// descriptor on a file that might not be a mbox at all.
func validateMboxFile(mboxPath string) error {
	info, err := os.Stat(mboxPath)
	if err != nil {
		return fmt.Errorf("stat mbox: %w", err)
	}
	if info.Size() == 0 {
		return nil // an empty file is a valid, not-yet-populated mbox.
	}
	f, err := os.Open(mboxPath)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer f.Close()
	const sniffLimit = 64 << 10
	return mboxparser.Validate(f, sniffLimit)
}

func init() {
	statCmd.Flags().StringVar(&statIndexPath, "index", "", "index database path (default: <mbox>.mboxsync.db)")
	rootCmd.AddCommand(statCmd)
}
