package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ProcessedFileRepository reads and updates derivative files.
type ProcessedFileRepository struct {
	db *DB
}

// NewProcessedFileRepository returns a repository over processed_files.
func NewProcessedFileRepository(db *DB) *ProcessedFileRepository {
	return &ProcessedFileRepository{db: db}
}

// Add inserts a processed file and returns its uid.
func (r *ProcessedFileRepository) Add(ctx context.Context, pf *ProcessedFile) (int64, error) {
	var name, errVal any
	if pf.Name != "" {
		name = pf.Name
	}
	if pf.CompressError != "" {
		errVal = pf.CompressError
	}

	var uid int64
	err := r.db.QueryRowContext(ctx, r.db.rebind(`
		INSERT INTO processed_files (original, identifier, name, compressed, compress_error)
		VALUES (?, ?, ?, ?, ?)
		RETURNING uid`),
		pf.OriginalUID, pf.Identifier, name, boolToInt(pf.Compressed), errVal,
	).Scan(&uid)
	if err != nil {
		return 0, fmt.Errorf("inserting processed file %s: %w", pf.Identifier, err)
	}

	pf.UID = uid
	return uid, nil
}

// Upsert inserts a processed file or refreshes the name of the existing one
// with the same original and identifier. Compression state is kept.
func (r *ProcessedFileRepository) Upsert(ctx context.Context, pf *ProcessedFile) (int64, error) {
	var uid int64
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT uid FROM processed_files WHERE original = ? AND identifier = ?`),
		pf.OriginalUID, pf.Identifier,
	).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return r.Add(ctx, pf)
	}
	if err != nil {
		return 0, fmt.Errorf("finding processed file %s: %w", pf.Identifier, err)
	}

	var name any
	if pf.Name != "" {
		name = pf.Name
	}
	if _, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE processed_files SET name = ? WHERE uid = ?`), name, uid); err != nil {
		return 0, fmt.Errorf("updating processed file %d: %w", uid, err)
	}

	pf.UID = uid
	return uid, nil
}

// DeleteByOriginal removes the processed files derived from an original and
// returns the removed records.
func (r *ProcessedFileRepository) DeleteByOriginal(ctx context.Context, originalUID int64) ([]ProcessedFile, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		`SELECT uid, original, identifier, name, compressed, compress_error FROM processed_files
		WHERE original = ? ORDER BY uid`), originalUID)
	if err != nil {
		return nil, fmt.Errorf("querying processed files of file %d: %w", originalUID, err)
	}
	files, err := scanProcessedFiles(rows)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	if _, err := r.db.ExecContext(ctx, r.db.rebind(
		`DELETE FROM processed_files WHERE original = ?`), originalUID); err != nil {
		return nil, fmt.Errorf("deleting processed files of file %d: %w", originalUID, err)
	}
	return files, nil
}

// FindAllNonCompressed returns processed files that are neither compressed nor
// failed and have a name. A limit of 0 returns all of them.
func (r *ProcessedFileRepository) FindAllNonCompressed(ctx context.Context, limit int) ([]ProcessedFile, error) {
	query := `SELECT uid, original, identifier, name, compressed, compress_error FROM processed_files
		WHERE compressed = 0 AND compress_error IS NULL AND name IS NOT NULL ORDER BY uid`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying non compressed processed files: %w", err)
	}
	return scanProcessedFiles(rows)
}

func scanProcessedFiles(rows *sql.Rows) ([]ProcessedFile, error) {
	defer rows.Close()

	var files []ProcessedFile
	for rows.Next() {
		var (
			pf         ProcessedFile
			name       sql.NullString
			compressed int
			errMsg     sql.NullString
		)
		if err := rows.Scan(&pf.UID, &pf.OriginalUID, &pf.Identifier, &name, &compressed, &errMsg); err != nil {
			return nil, fmt.Errorf("scanning processed file: %w", err)
		}
		pf.Name = name.String
		pf.Compressed = compressed == 1
		pf.CompressError = errMsg.String
		files = append(files, pf)
	}
	return files, rows.Err()
}

// UpdateCompressState sets the compressed flag. A non-blank message is stored
// as the compression error, which removes the file from future candidate sets.
func (r *ProcessedFileRepository) UpdateCompressState(ctx context.Context, uid int64, state int, message string) error {
	query := `UPDATE processed_files SET compressed = ? WHERE uid = ?`
	args := []any{state, uid}
	if strings.TrimSpace(message) != "" {
		query = `UPDATE processed_files SET compressed = ?, compress_error = ? WHERE uid = ?`
		args = []any{state, message, uid}
	}

	if _, err := r.db.ExecContext(ctx, r.db.rebind(query), args...); err != nil {
		return fmt.Errorf("updating compress state of processed file %d: %w", uid, err)
	}
	return nil
}

// FindStorageID returns the storage of the original a processed file was
// derived from, or 0 when it cannot be resolved.
func (r *ProcessedFileRepository) FindStorageID(ctx context.Context, uid int64) (int64, error) {
	var storageUID int64
	err := r.db.QueryRowContext(ctx, r.db.rebind(`
		SELECT f.storage FROM processed_files pf
		JOIN files f ON pf.original = f.uid
		WHERE pf.uid = ? AND pf.compress_error IS NULL`), uid,
	).Scan(&storageUID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("finding storage of processed file %d: %w", uid, err)
	}
	return storageUID, nil
}

// GetCompressionStatistics counts named processed files by state.
func (r *ProcessedFileRepository) GetCompressionStatistics(ctx context.Context) (Statistics, error) {
	var s Statistics
	err := r.db.QueryRowContext(ctx, statisticsSelect+` FROM processed_files WHERE name IS NOT NULL`).
		Scan(&s.Compressed, &s.NotCompressed, &s.Errors)
	if err != nil {
		return Statistics{}, fmt.Errorf("querying processed file statistics: %w", err)
	}
	return s, nil
}
