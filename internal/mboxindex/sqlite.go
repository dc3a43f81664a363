package mboxindex

import (
	"context"
	_ "embed"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteIndex is the concrete Index implementation backed by
// github.com/mattn/go-sqlite3, modeled on the teacher's store.go
// (embedded schema, one *sql.DB per index file, withTx-style transactions).
type SQLiteIndex struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if necessary) the SQLite-backed index at dbPath.
func Open(dbPath string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	db.SetMaxOpenConns(1) // single-threaded per spec.md §5

	idx := &SQLiteIndex{db: db, dbPath: dbPath}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *SQLiteIndex) initSchema() error {
	for _, stmt := range strings.Split(schemaSQL, ";\n\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tooling (e.g. tests that seed
// sync records directly).
func (s *SQLiteIndex) DB() *sql.DB {
	return s.db
}

func (s *SQLiteIndex) Header(ctx context.Context) (Header, error) {
	row := s.db.QueryRowContext(ctx, `SELECT uid_validity, next_uid, sync_stamp, sync_size, base_uid_last_offset FROM header WHERE id = 1`)
	var h Header
	if err := row.Scan(&h.UIDValidity, &h.NextUID, &h.SyncStamp, &h.SyncSize, &h.BaseUIDLastOffset); err != nil {
		return Header{}, fmt.Errorf("read header: %w", err)
	}
	return h, nil
}

func (s *SQLiteIndex) UpdateHeader(ctx context.Context, h Header) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE header SET uid_validity = ?, next_uid = ?, sync_stamp = ?, sync_size = ?, base_uid_last_offset = ?
		WHERE id = 1`,
		h.UIDValidity, h.NextUID, h.SyncStamp, h.SyncSize, h.BaseUIDLastOffset)
	if err != nil {
		return fmt.Errorf("update header: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) Begin(ctx context.Context) (Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func scanRecord(row interface {
	Scan(dest ...any) error
}) (Record, error) {
	var r Record
	var keywords string
	var md5 []byte
	if err := row.Scan(&r.Seq, &r.UID, &r.Flags.Seen, &r.Flags.Answered, &r.Flags.Flagged,
		&r.Flags.Deleted, &r.Flags.Draft, &r.Flags.Recent, &r.Flags.Dirty, &keywords, &r.FromOffset, &md5); err != nil {
		return Record{}, err
	}
	if keywords != "" {
		r.Keywords = strings.Fields(keywords)
	}
	if len(md5) == 16 {
		copy(r.MD5Header[:], md5)
		r.HasMD5 = true
	}
	return r, nil
}

const selectColumns = `seq, uid, seen, answered, flagged, deleted, draft, recent, dirty, keywords, from_offset, md5hdr`

func (t *sqliteTx) ViewMessagesCount(ctx context.Context) (int64, error) {
	var n int64
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (t *sqliteTx) Lookup(ctx context.Context, seq int64) (Record, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM messages WHERE seq = ?`, seq)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup seq %d: %w", seq, err)
	}
	return r, true, nil
}

func (t *sqliteTx) LookupUID(ctx context.Context, uid uint32) (Record, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM messages WHERE uid = ?`, uid)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup uid %d: %w", uid, err)
	}
	return r, true, nil
}

func (t *sqliteTx) LookupUIDRange(ctx context.Context, uid1, uid2 uint32) ([]Record, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+selectColumns+` FROM messages WHERE uid BETWEEN ? AND ? ORDER BY seq`, uid1, uid2)
	if err != nil {
		return nil, fmt.Errorf("lookup uid range [%d,%d]: %w", uid1, uid2, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan uid range row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *sqliteTx) LookupMD5(ctx context.Context, sum [16]byte) (Record, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM messages WHERE md5hdr = ? LIMIT 1`, sum[:])
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup md5: %w", err)
	}
	return r, true, nil
}

func (t *sqliteTx) Append(ctx context.Context, uid uint32, flags Flags, keywords []string, fromOffset uint64) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO messages (uid, seen, answered, flagged, deleted, draft, recent, dirty, keywords, from_offset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uid, flags.Seen, flags.Answered, flags.Flagged, flags.Deleted, flags.Draft, flags.Recent, flags.Dirty,
		strings.Join(keywords, " "), fromOffset)
	if err != nil {
		return 0, fmt.Errorf("append uid %d: %w", uid, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append uid %d: last insert id: %w", uid, err)
	}
	return seq, nil
}

func (t *sqliteTx) Expunge(ctx context.Context, seq int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM messages WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("expunge seq %d: %w", seq, err)
	}
	return nil
}

func (t *sqliteTx) UpdateFlags(ctx context.Context, seq int64, mode UpdateMode, flags Flags) error {
	switch mode {
	case ModeReplace:
		_, err := t.tx.ExecContext(ctx, `
			UPDATE messages SET seen=?, answered=?, flagged=?, deleted=?, draft=?, recent=?, dirty=? WHERE seq=?`,
			flags.Seen, flags.Answered, flags.Flagged, flags.Deleted, flags.Draft, flags.Recent, flags.Dirty, seq)
		if err != nil {
			return fmt.Errorf("update flags seq %d: %w", seq, err)
		}
	case ModeAdd, ModeRemove:
		val := mode == ModeAdd
		cols := flagColumns(flags)
		for _, col := range cols {
			_, err := t.tx.ExecContext(ctx, fmt.Sprintf(`UPDATE messages SET %s=? WHERE seq=?`, col), val, seq)
			if err != nil {
				return fmt.Errorf("update flags seq %d col %s: %w", seq, col, err)
			}
		}
	}
	return nil
}

// flagColumns returns the column names whose corresponding bit is set in
// flags, used for targeted add/remove updates (spec.md §4.7: "emit targeted
// add/remove for recent/dirty").
func flagColumns(flags Flags) []string {
	var cols []string
	if flags.Seen {
		cols = append(cols, "seen")
	}
	if flags.Answered {
		cols = append(cols, "answered")
	}
	if flags.Flagged {
		cols = append(cols, "flagged")
	}
	if flags.Deleted {
		cols = append(cols, "deleted")
	}
	if flags.Draft {
		cols = append(cols, "draft")
	}
	if flags.Recent {
		cols = append(cols, "recent")
	}
	if flags.Dirty {
		cols = append(cols, "dirty")
	}
	return cols
}

func (t *sqliteTx) UpdateKeywords(ctx context.Context, seq int64, mode UpdateMode, keywords []string) error {
	switch mode {
	case ModeReplace:
		_, err := t.tx.ExecContext(ctx, `UPDATE messages SET keywords=? WHERE seq=?`, strings.Join(keywords, " "), seq)
		if err != nil {
			return fmt.Errorf("update keywords seq %d: %w", seq, err)
		}
		return nil
	case ModeAdd, ModeRemove:
		row := t.tx.QueryRowContext(ctx, `SELECT keywords FROM messages WHERE seq=?`, seq)
		var existing string
		if err := row.Scan(&existing); err != nil {
			return fmt.Errorf("update keywords seq %d: read existing: %w", seq, err)
		}
		set := strings.Fields(existing)
		if mode == ModeAdd {
			set = addKeywords(set, keywords)
		} else {
			set = removeKeywords(set, keywords)
		}
		_, err := t.tx.ExecContext(ctx, `UPDATE messages SET keywords=? WHERE seq=?`, strings.Join(set, " "), seq)
		if err != nil {
			return fmt.Errorf("update keywords seq %d: %w", seq, err)
		}
	}
	return nil
}

func addKeywords(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, k := range existing {
		seen[k] = true
	}
	out := append([]string{}, existing...)
	for _, k := range add {
		if !seen[k] {
			out = append(out, k)
			seen[k] = true
		}
	}
	return out
}

func removeKeywords(existing, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, k := range remove {
		drop[k] = true
	}
	var out []string
	for _, k := range existing {
		if !drop[k] {
			out = append(out, k)
		}
	}
	return out
}

func (t *sqliteTx) UpdateFromOffset(ctx context.Context, seq int64, offset uint64) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE messages SET from_offset=? WHERE seq=?`, offset, seq); err != nil {
		return fmt.Errorf("update from_offset seq %d: %w", seq, err)
	}
	return nil
}

func (t *sqliteTx) UpdateMD5(ctx context.Context, seq int64, sum [16]byte) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE messages SET md5hdr=? WHERE seq=?`, sum[:], seq); err != nil {
		return fmt.Errorf("update md5hdr seq %d: %w", seq, err)
	}
	return nil
}

func (t *sqliteTx) SyncNext(ctx context.Context) (SyncRecord, bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, uid1, uid2, type, seen, answered, flagged, deleted, draft, recent, keywords
		FROM sync_records WHERE consumed = 0 ORDER BY id LIMIT 1`)

	var id int64
	var rec SyncRecord
	var keywords string
	err := row.Scan(&id, &rec.UID1, &rec.UID2, &rec.Type, &rec.Flags.Seen, &rec.Flags.Answered,
		&rec.Flags.Flagged, &rec.Flags.Deleted, &rec.Flags.Draft, &rec.Flags.Recent, &keywords)
	if err == sql.ErrNoRows {
		return SyncRecord{}, false, nil
	}
	if err != nil {
		return SyncRecord{}, false, fmt.Errorf("sync_next: %w", err)
	}
	if keywords != "" {
		rec.Keywords = strings.Fields(keywords)
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE sync_records SET consumed = 1 WHERE id = ?`, id); err != nil {
		return SyncRecord{}, false, fmt.Errorf("sync_next: mark consumed: %w", err)
	}
	return rec, true, nil
}

func (t *sqliteTx) SyncReset(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE sync_records SET consumed = 0`); err != nil {
		return fmt.Errorf("sync_reset: %w", err)
	}
	return nil
}

func (t *sqliteTx) MarkCorrupted(ctx context.Context, reason string) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE header SET corrupted_reason = ? WHERE id = 1`, reason); err != nil {
		return fmt.Errorf("mark_corrupted: %w", err)
	}
	return nil
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
