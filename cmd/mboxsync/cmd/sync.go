package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mboxsync/mboxsync/internal/mboxindex"
	"github.com/mboxsync/mboxsync/internal/mboxsync"
)

var (
	syncForceFull   bool
	syncUndirty     bool
	syncRewrite     bool
	syncLockReading bool
	syncLastCommit  bool
	syncHeaderOnly  bool
	syncIndexPath   string
)

var syncCmd = &cobra.Command{
	Use:   "sync <mbox>",
	Short: "Reconcile a classic mbox file against its persistent message index",
	Long: `sync reconciles an on-disk mbox file against a persistent message index
and a queue of pending index modifications (flag changes, expunges,
appends), rewriting the mbox in place only where structurally necessary.

Examples:
  mboxsync sync ~/Mail/inbox
  mboxsync sync --force-full ~/Mail/inbox
  mboxsync sync --lock-reading ~/Mail/inbox`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mboxPath := args[0]

		if err := validateMboxFile(mboxPath); err != nil {
			return fmt.Errorf("sync %s: %w", mboxPath, err)
		}

		dsn := syncIndexPath
		if dsn == "" {
			dsn = cfg.IndexDSN(mboxPath)
		}
		idx, err := mboxindex.Open(dsn)
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()

		drv := mboxsync.NewDriver(idx, cfg.EngineOptions())

		flags := mboxsync.Flags{
			ForceFull:   syncForceFull,
			Undirty:     syncUndirty,
			Rewrite:     syncRewrite,
			LockReading: syncLockReading,
			LastCommit:  syncLastCommit,
			HeaderOnly:  syncHeaderOnly,
		}

		start := time.Now()
		logger.Debug("starting sync", "mbox", mboxPath, "index", dsn, "flags", flags)

		if err := drv.Sync(cmd.Context(), mboxPath, flags); err != nil {
			return fmt.Errorf("sync %s: %w", mboxPath, err)
		}

		logger.Info("sync complete", "mbox", mboxPath, "elapsed", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncForceFull, "force-full", false, "always run a full sync instead of a partial one")
	syncCmd.Flags().BoolVar(&syncUndirty, "undirty", false, "clear dirty state on messages reconciled this pass")
	syncCmd.Flags().BoolVar(&syncRewrite, "rewrite", false, "force header rewrite even when nothing else requires it")
	syncCmd.Flags().BoolVar(&syncLockReading, "lock-reading", false, "take a read lock and skip writes (read-only sync)")
	syncCmd.Flags().BoolVar(&syncLastCommit, "last-commit", false, "treat this pass as the final commit before closing the mailbox")
	syncCmd.Flags().BoolVar(&syncHeaderOnly, "header-only", false, "re-finalise the pseudo header even with no structural work pending")
	syncCmd.Flags().StringVar(&syncIndexPath, "index", "", "index database path (default: <mbox>.mboxsync.db)")

	rootCmd.AddCommand(syncCmd)
}
