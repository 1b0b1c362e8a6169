package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// RealClock returns wall clock time in UTC.
type RealClock struct{}

// Now returns the current UTC time.
func (RealClock) Now() time.Time { return time.Now().UTC() }

const fileColumns = `uid, storage, identifier, name, mime_type, size, missing, compressed, compress_error, compress_info`

// FileRepository reads and updates original files.
type FileRepository struct {
	db        *DB
	mimeTypes []string
	claimTTL  time.Duration
	clock     Clock
}

// NewFileRepository returns a repository whose candidate queries are limited
// to mimeTypes. Claims older than claimTTL are considered abandoned.
func NewFileRepository(db *DB, mimeTypes []string, claimTTL time.Duration, clock Clock) *FileRepository {
	if clock == nil {
		clock = RealClock{}
	}
	return &FileRepository{db: db, mimeTypes: mimeTypes, claimTTL: claimTTL, clock: clock}
}

// Add inserts a file and returns its uid.
func (r *FileRepository) Add(ctx context.Context, f *File) (int64, error) {
	var errVal any
	if f.CompressError != "" {
		errVal = f.CompressError
	}

	var uid int64
	err := r.db.QueryRowContext(ctx, r.db.rebind(`
		INSERT INTO files (storage, identifier, name, mime_type, size, missing, compressed, compress_error, compress_info)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING uid`),
		f.StorageUID, f.Identifier, f.Name, f.MimeType, f.Size,
		boolToInt(f.Missing), boolToInt(f.Compressed), errVal, f.CompressInfo,
	).Scan(&uid)
	if err != nil {
		return 0, fmt.Errorf("inserting file %s: %w", f.Identifier, err)
	}

	f.UID = uid
	return uid, nil
}

// Upsert inserts a file or refreshes size, mime type and missing flag of an
// existing one with the same storage and identifier. Compression state is
// reset only when the size on disk changed.
func (r *FileRepository) Upsert(ctx context.Context, f *File) (int64, error) {
	var uid, size int64
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT uid, size FROM files WHERE storage = ? AND identifier = ?`),
		f.StorageUID, f.Identifier,
	).Scan(&uid, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return r.Add(ctx, f)
	}
	if err != nil {
		return 0, fmt.Errorf("finding file %s: %w", f.Identifier, err)
	}

	query := `UPDATE files SET name = ?, mime_type = ?, size = ?, missing = 0 WHERE uid = ?`
	if size != f.Size {
		query = `UPDATE files SET name = ?, mime_type = ?, size = ?, missing = 0,
			compressed = 0, compress_error = NULL, compress_info = '' WHERE uid = ?`
	}
	if _, err := r.db.ExecContext(ctx, r.db.rebind(query), f.Name, f.MimeType, f.Size, uid); err != nil {
		return 0, fmt.Errorf("updating file %d: %w", uid, err)
	}

	f.UID = uid
	return uid, nil
}

// MarkMissing flags every file of a storage whose identifier is not in seen.
func (r *FileRepository) MarkMissing(ctx context.Context, storageUID int64, seen map[string]struct{}) (int, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		`SELECT uid, identifier FROM files WHERE storage = ? AND missing = 0`), storageUID)
	if err != nil {
		return 0, fmt.Errorf("listing files of storage %d: %w", storageUID, err)
	}

	var gone []int64
	for rows.Next() {
		var uid int64
		var identifier string
		if err := rows.Scan(&uid, &identifier); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning file: %w", err)
		}
		if _, ok := seen[identifier]; !ok {
			gone = append(gone, uid)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, uid := range gone {
		if _, err := r.db.ExecContext(ctx, r.db.rebind(`UPDATE files SET missing = 1 WHERE uid = ?`), uid); err != nil {
			return 0, fmt.Errorf("marking file %d missing: %w", uid, err)
		}
	}
	return len(gone), nil
}

// GetByUID returns a single file.
func (r *FileRepository) GetByUID(ctx context.Context, uid int64) (*File, error) {
	row := r.db.QueryRowContext(ctx, r.db.rebind(`SELECT `+fileColumns+` FROM files WHERE uid = ?`), uid)

	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding file %d: %w", uid, err)
	}
	return f, nil
}

// FindNonCompressedInStorage returns up to limit files of a storage that are
// not compressed, not missing, carry no error, match the mime allow-list and
// lie outside every excluded folder. Files claimed by a running batch are
// left out until their claim goes stale.
func (r *FileRepository) FindNonCompressedInStorage(ctx context.Context, storageUID int64, limit int, excludeFolders []string) ([]File, error) {
	if limit <= 0 || len(r.mimeTypes) == 0 {
		return nil, nil
	}

	var b strings.Builder
	args := []any{storageUID}

	b.WriteString(`SELECT ` + fileColumns + ` FROM files
		WHERE storage = ? AND compressed = 0 AND missing = 0
		AND (compress_error IS NULL OR compress_error = '')`)

	b.WriteString(` AND mime_type IN (` + placeholders(len(r.mimeTypes)) + `)`)
	for _, m := range r.mimeTypes {
		args = append(args, m)
	}

	for _, folder := range excludeFolders {
		b.WriteString(` AND identifier NOT LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(folder)+"%")
	}

	b.WriteString(` AND (claimed_by IS NULL OR claimed_at < ?)`)
	args = append(args, r.clock.Now().Add(-r.claimTTL))

	b.WriteString(` ORDER BY uid LIMIT ?`)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.db.rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("querying non compressed files of storage %d: %w", storageUID, err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning file: %w", err)
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// UpdateCompressionStatus writes the three compression columns in one statement.
func (r *FileRepository) UpdateCompressionStatus(ctx context.Context, uid int64, compressed bool, compressError, compressInfo string) error {
	if compressed && compressError != "" {
		return ErrInvalidState
	}

	res, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE files SET compressed = ?, compress_error = ?, compress_info = ? WHERE uid = ?`),
		boolToInt(compressed), compressError, compressInfo, uid,
	)
	if err != nil {
		return fmt.Errorf("updating compression status of file %d: %w", uid, err)
	}
	return expectOneRow(res, uid)
}

// UpdateSize records the size of a file after it was rewritten on disk.
func (r *FileRepository) UpdateSize(ctx context.Context, uid, size int64) error {
	res, err := r.db.ExecContext(ctx, r.db.rebind(`UPDATE files SET size = ? WHERE uid = ?`), size, uid)
	if err != nil {
		return fmt.Errorf("updating size of file %d: %w", uid, err)
	}
	return expectOneRow(res, uid)
}

// FindCompressionStatusByUID returns the compression columns of a file.
func (r *FileRepository) FindCompressionStatusByUID(ctx context.Context, uid int64) (*CompressionStatus, error) {
	var (
		compressed int
		errMsg     sql.NullString
		info       string
	)
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT compressed, compress_error, compress_info FROM files WHERE uid = ?`), uid,
	).Scan(&compressed, &errMsg, &info)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding compression status of file %d: %w", uid, err)
	}

	return &CompressionStatus{
		Compressed:    compressed == 1,
		CompressError: errMsg.String,
		CompressInfo:  info,
	}, nil
}

// GetCompressionStatistics counts present files of the given mime types by state.
func (r *FileRepository) GetCompressionStatistics(ctx context.Context, mimeTypes []string) (Statistics, error) {
	if len(mimeTypes) == 0 {
		return Statistics{}, nil
	}

	args := make([]any, 0, len(mimeTypes))
	for _, m := range mimeTypes {
		args = append(args, m)
	}

	var s Statistics
	err := r.db.QueryRowContext(ctx, r.db.rebind(statisticsSelect+`
		FROM files WHERE mime_type IN (`+placeholders(len(mimeTypes))+`) AND missing = 0`), args...,
	).Scan(&s.Compressed, &s.NotCompressed, &s.Errors)
	if err != nil {
		return Statistics{}, fmt.Errorf("querying file statistics: %w", err)
	}
	return s, nil
}

// Claim marks a file as being worked on by owner. It returns false when
// another owner holds a fresh claim or the file is already compressed.
func (r *FileRepository) Claim(ctx context.Context, uid int64, owner string) (bool, error) {
	now := r.clock.Now()
	res, err := r.db.ExecContext(ctx, r.db.rebind(`
		UPDATE files SET claimed_by = ?, claimed_at = ?
		WHERE uid = ? AND compressed = 0
		AND (claimed_by IS NULL OR claimed_by = ? OR claimed_at < ?)`),
		owner, now, uid, owner, now.Add(-r.claimTTL),
	)
	if err != nil {
		return false, fmt.Errorf("claiming file %d: %w", uid, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops the claim owner holds on a file.
func (r *FileRepository) Release(ctx context.Context, uid int64, owner string) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE files SET claimed_by = NULL, claimed_at = NULL WHERE uid = ? AND claimed_by = ?`),
		uid, owner,
	)
	if err != nil {
		return fmt.Errorf("releasing file %d: %w", uid, err)
	}
	return nil
}

// ResetCompression clears the compression state so the file is picked up again.
func (r *FileRepository) ResetCompression(ctx context.Context, uid int64) error {
	res, err := r.db.ExecContext(ctx, r.db.rebind(`
		UPDATE files SET compressed = 0, compress_error = NULL, compress_info = '',
		claimed_by = NULL, claimed_at = NULL WHERE uid = ?`), uid)
	if err != nil {
		return fmt.Errorf("resetting file %d: %w", uid, err)
	}
	return expectOneRow(res, uid)
}

const statisticsSelect = `SELECT
	COALESCE(SUM(CASE WHEN compressed = 1 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN compressed = 0 AND (compress_error IS NULL OR compress_error = '') THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN compress_error IS NOT NULL AND compress_error <> '' THEN 1 ELSE 0 END), 0)`

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(s scanner) (*File, error) {
	var (
		f          File
		missing    int
		compressed int
		errMsg     sql.NullString
	)
	if err := s.Scan(&f.UID, &f.StorageUID, &f.Identifier, &f.Name, &f.MimeType, &f.Size,
		&missing, &compressed, &errMsg, &f.CompressInfo); err != nil {
		return nil, err
	}
	f.Missing = missing == 1
	f.Compressed = compressed == 1
	f.CompressError = errMsg.String
	return &f, nil
}

func expectOneRow(res sql.Result, uid int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("file %d: %w", uid, ErrNotFound)
	}
	return nil
}
