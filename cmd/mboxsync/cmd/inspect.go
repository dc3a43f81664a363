package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mboxsync/mboxsync/internal/mboxindex"
	"github.com/mboxsync/mboxsync/internal/mboxparser"
)

var inspectIndexPath string

var inspectCmd = &cobra.Command{
	Use:   "inspect <mbox>",
	Short: "Dry-run the sync plan without writing to the mbox or index",
	Long: `inspect scans the mbox and the index's pending sync-record queue and
reports what a real sync pass would find: message counts, UIDs present on
disk vs. indexed, and the type breakdown of queued flag/keyword/append/
expunge records. It opens the mbox read-only and rolls back its index
transaction, so it never mutates either.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mboxPath := args[0]

		f, err := os.Open(mboxPath)
		if err != nil {
			return fmt.Errorf("open mbox: %w", err)
		}
		defer f.Close()

		var mboxCount int
		var pseudoSeen bool
		seenUIDs := make(map[uint32]bool)
		reader := mboxparser.NewReader(f)
		for {
			msg, err := reader.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("scan mbox: %w", err)
			}
			parsed := mboxparser.ParseHeader(msg.Header())
			if parsed.IsPseudo {
				pseudoSeen = true
				continue
			}
			mboxCount++
			if parsed.XUID > 0 {
				seenUIDs[uint32(parsed.XUID)] = true
			}
		}

		dsn := inspectIndexPath
		if dsn == "" {
			dsn = cfg.IndexDSN(mboxPath)
		}
		idx, err := mboxindex.Open(dsn)
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()

		ctx := cmd.Context()
		tx, err := idx.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin index transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		indexCount, err := tx.ViewMessagesCount(ctx)
		if err != nil {
			return fmt.Errorf("count indexed messages: %w", err)
		}

		counts := map[mboxindex.SyncRecordType]int{}
		for {
			sr, ok, err := tx.SyncNext(ctx)
			if err != nil {
				return fmt.Errorf("read pending sync records: %w", err)
			}
			if !ok {
				break
			}
			counts[sr.Type]++
		}
		if err := tx.SyncReset(ctx); err != nil {
			return fmt.Errorf("reset sync-record cursor: %w", err)
		}

		fmt.Printf("mbox:              %s\n", mboxPath)
		fmt.Printf("pseudo header:     %v\n", pseudoSeen)
		fmt.Printf("messages in mbox:  %d (%d carry an X-UID)\n", mboxCount, len(seenUIDs))
		fmt.Printf("messages in index: %d\n", indexCount)
		fmt.Println("pending sync records:")
		fmt.Printf("  append:          %d\n", counts[mboxindex.RecordAppend])
		fmt.Printf("  expunge:         %d\n", counts[mboxindex.RecordExpunge])
		fmt.Printf("  flags:           %d\n", counts[mboxindex.RecordFlags])
		fmt.Printf("  keyword_add:     %d\n", counts[mboxindex.RecordKeywordAdd])
		fmt.Printf("  keyword_remove:  %d\n", counts[mboxindex.RecordKeywordRemove])
		fmt.Printf("  keyword_reset:   %d\n", counts[mboxindex.RecordKeywordReset])

		return nil
	},
}

func init() {
	inspectCmd.Flags().StringVar(&inspectIndexPath, "index", "", "index database path (default: <mbox>.mboxsync.db)")
	rootCmd.AddCommand(inspectCmd)
}
