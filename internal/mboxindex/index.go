// Package mboxindex implements the transactional message index the sync
// engine reconciles the mbox file against (spec.md §6): a view over indexed
// messages plus a stream of pending sync records (flag changes, keyword
// changes, appends, expunges) queued by other writers (e.g. an IMAP server)
// between sync passes.
package mboxindex

import "context"

// SyncRecordType enumerates the kinds of pending modification a sync record
// can carry (spec.md §6 "Sync-record shape").
type SyncRecordType int

const (
	RecordAppend SyncRecordType = iota
	RecordExpunge
	RecordFlags
	RecordKeywordAdd
	RecordKeywordRemove
	RecordKeywordReset
)

// UpdateMode controls how update_flags/update_keywords apply their value.
type UpdateMode int

const (
	ModeReplace UpdateMode = iota
	ModeAdd
	ModeRemove
)

// Flags is the bitfield drawn from {seen, answered, flagged, deleted,
// draft, recent, dirty, expunged} (spec.md §3).
type Flags struct {
	Seen     bool
	Answered bool
	Flagged  bool
	Deleted  bool
	Draft    bool
	Recent   bool
	Dirty    bool
	Expunged bool
}

// MailFlagsMask covers the flags that a partial pass always takes from the
// mbox file's own Status/X-Status bytes during reconciliation (spec.md
// §4.7): everything except Dirty/Expunged, which are index-only state.
func (f Flags) MailFlagsMask() Flags {
	f.Dirty = false
	f.Expunged = false
	return f
}

// Record is one indexed message (spec.md §3 "Message record", the subset
// the index itself persists).
type Record struct {
	Seq        int64
	UID        uint32
	Flags      Flags
	Keywords   []string
	FromOffset uint64 // mbox_ext
	MD5Header  [16]byte
	HasMD5     bool
}

// SyncRecord is a pending index modification queued between sync passes
// (spec.md §6).
type SyncRecord struct {
	UID1, UID2 uint32
	Type       SyncRecordType
	Flags      Flags
	Keywords   []string
}

// Header holds the folder-wide metadata the pseudo message's X-IMAPbase line
// mirrors, plus the change-detector fields (spec.md §4.9).
type Header struct {
	UIDValidity      uint32
	NextUID          uint32
	SyncStamp        int64 // mtime at last successful sync
	SyncSize         int64 // file size at last successful sync
	BaseUIDLastOffset int64 // -1 if unknown
}

// Index is the contract the sync engine consumes (spec.md §6). Operations
// outside an open Transaction return an error; View/Lookup-style reads are
// always transaction-scoped once Begin has been called, matching the
// teacher's withTx convention.
type Index interface {
	// Header returns the folder-wide metadata. Safe to call without a
	// transaction open.
	Header(ctx context.Context) (Header, error)

	// UpdateHeader persists folder-wide metadata (spec.md §4.8 finalisation).
	UpdateHeader(ctx context.Context, h Header) error

	// Begin opens a transaction. Only one transaction may be open at a time
	// per Index.
	Begin(ctx context.Context) (Transaction, error)
}

// Transaction is a single sync pass's transactional view of the index.
type Transaction interface {
	// ViewMessagesCount returns the number of indexed messages.
	ViewMessagesCount(ctx context.Context) (int64, error)

	// Lookup returns the record at 1-based sequence seq.
	Lookup(ctx context.Context, seq int64) (Record, bool, error)

	// LookupUID returns the record with the given UID.
	LookupUID(ctx context.Context, uid uint32) (Record, bool, error)

	// LookupUIDRange returns records with uid1 <= UID <= uid2, ordered by seq.
	LookupUIDRange(ctx context.Context, uid1, uid2 uint32) ([]Record, error)

	// LookupMD5 returns a record carrying the given header MD5 sum, the
	// fallback UID-assignment path (spec.md §4.2).
	LookupMD5(ctx context.Context, sum [16]byte) (Record, bool, error)

	// Append adds a new record with the given UID, returning its sequence.
	Append(ctx context.Context, uid uint32, flags Flags, keywords []string, fromOffset uint64) (int64, error)

	// Expunge removes the record at seq.
	Expunge(ctx context.Context, seq int64) error

	// UpdateFlags applies flags to the record at seq per mode.
	UpdateFlags(ctx context.Context, seq int64, mode UpdateMode, flags Flags) error

	// UpdateKeywords applies a keyword set to the record at seq per mode.
	UpdateKeywords(ctx context.Context, seq int64, mode UpdateMode, keywords []string) error

	// UpdateFromOffset updates the mbox_ext from_offset extension column.
	UpdateFromOffset(ctx context.Context, seq int64, offset uint64) error

	// UpdateMD5 updates the md5hdr_ext extension column.
	UpdateMD5(ctx context.Context, seq int64, sum [16]byte) error

	// SyncNext returns the next pending sync record, or ok=false when the
	// stream is exhausted.
	SyncNext(ctx context.Context) (SyncRecord, bool, error)

	// SyncReset rewinds the pending sync-record stream to the beginning,
	// used when the driver restarts a pass in full-sync mode.
	SyncReset(ctx context.Context) error

	// MarkCorrupted flags the index as corrupted (spec.md §4.2, §7) by
	// recording reason in the folder header within this transaction. Begin
	// does not check the recorded reason.
	MarkCorrupted(ctx context.Context, reason string) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
