// Package storagetest provides migrated in-memory databases for tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	"image-compressor-go/internal/storage"
)

// NewTestDB returns an in-memory SQLite database with all migrations applied.
// The database is closed when the test completes.
func NewTestDB(t *testing.T) *storage.DB {
	t.Helper()

	db, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := storage.MigrateUp(db); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	return db
}

// StubClock returns a fixed time that tests can move forward.
type StubClock struct {
	T time.Time
}

// Now returns the stubbed time.
func (c *StubClock) Now() time.Time { return c.T }

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// Fixture bundles the repositories over one test database.
type Fixture struct {
	DB        *storage.DB
	Files     *storage.FileRepository
	Processed *storage.ProcessedFileRepository
	Storages  *storage.StorageRepository
	Clock     *StubClock
	MimeTypes []string
	ClaimTTL  time.Duration
}

// NewFixture creates a migrated database with repositories limited to mimeTypes.
func NewFixture(t *testing.T, mimeTypes ...string) *Fixture {
	t.Helper()
	if len(mimeTypes) == 0 {
		mimeTypes = []string{"image/jpeg", "image/png"}
	}

	db := NewTestDB(t)
	clock := &StubClock{T: time.Date(2025, 12, 4, 10, 0, 0, 0, time.UTC)}
	ttl := 30 * time.Minute

	return &Fixture{
		DB:        db,
		Files:     storage.NewFileRepository(db, mimeTypes, ttl, clock),
		Processed: storage.NewProcessedFileRepository(db),
		Storages:  storage.NewStorageRepository(db),
		Clock:     clock,
		MimeTypes: mimeTypes,
		ClaimTTL:  ttl,
	}
}

// AddStorage inserts a storage root.
func (f *Fixture) AddStorage(t *testing.T, name, basePath string) *storage.FileStorage {
	t.Helper()
	s := &storage.FileStorage{Name: name, BasePath: basePath}
	if _, err := f.Storages.Add(context.Background(), s); err != nil {
		t.Fatalf("failed to add storage: %v", err)
	}
	return s
}

// AddFile inserts a file.
func (f *Fixture) AddFile(t *testing.T, file *storage.File) *storage.File {
	t.Helper()
	if _, err := f.Files.Add(context.Background(), file); err != nil {
		t.Fatalf("failed to add file: %v", err)
	}
	return file
}

// AddProcessed inserts a processed file.
func (f *Fixture) AddProcessed(t *testing.T, pf *storage.ProcessedFile) *storage.ProcessedFile {
	t.Helper()
	if _, err := f.Processed.Add(context.Background(), pf); err != nil {
		t.Fatalf("failed to add processed file: %v", err)
	}
	return pf
}
