package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StorageRepository reads storage roots.
type StorageRepository struct {
	db *DB
}

// NewStorageRepository returns a repository over file_storages.
func NewStorageRepository(db *DB) *StorageRepository {
	return &StorageRepository{db: db}
}

// Add inserts a storage root and returns its uid.
func (r *StorageRepository) Add(ctx context.Context, s *FileStorage) (int64, error) {
	var uid int64
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`INSERT INTO file_storages (name, base_path) VALUES (?, ?) RETURNING uid`),
		s.Name, s.BasePath,
	).Scan(&uid)
	if err != nil {
		return 0, fmt.Errorf("inserting storage %s: %w", s.Name, err)
	}

	s.UID = uid
	return uid, nil
}

// GetStorage returns one storage root.
func (r *StorageRepository) GetStorage(ctx context.Context, uid int64) (*FileStorage, error) {
	var s FileStorage
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT uid, name, base_path FROM file_storages WHERE uid = ?`), uid,
	).Scan(&s.UID, &s.Name, &s.BasePath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding storage %d: %w", uid, err)
	}
	return &s, nil
}

// FindByName returns the storage root with the given name.
func (r *StorageRepository) FindByName(ctx context.Context, name string) (*FileStorage, error) {
	var s FileStorage
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT uid, name, base_path FROM file_storages WHERE name = ? ORDER BY uid LIMIT 1`), name,
	).Scan(&s.UID, &s.Name, &s.BasePath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding storage %q: %w", name, err)
	}
	return &s, nil
}

// FindAll returns every storage root ordered by uid.
func (r *StorageRepository) FindAll(ctx context.Context) ([]FileStorage, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT uid, name, base_path FROM file_storages ORDER BY uid`)
	if err != nil {
		return nil, fmt.Errorf("listing storages: %w", err)
	}
	defer rows.Close()

	var storages []FileStorage
	for rows.Next() {
		var s FileStorage
		if err := rows.Scan(&s.UID, &s.Name, &s.BasePath); err != nil {
			return nil, fmt.Errorf("scanning storage: %w", err)
		}
		storages = append(storages, s)
	}
	return storages, rows.Err()
}
