package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"murmur/internal/metrics"
)

// BackupInfo describes one rotating backup file.
type BackupInfo struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// BackupManager copies the database file into a rotating backup directory
// and can restore from a verified backup.
type BackupManager struct {
	db         *DB
	dir        string
	maxBackups int
	maxAge     time.Duration
}

// NewBackupManager creates a backup manager over db.
func NewBackupManager(db *DB, dir string, maxBackups, maxAgeHours int) *BackupManager {
	return &BackupManager{
		db:         db,
		dir:        dir,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeHours) * time.Hour,
	}
}

// Create checkpoints the WAL, copies the database file into the backup
// directory, verifies the copy, and prunes old backups. Returns the new
// backup's info.
func (m *BackupManager) Create(ctx context.Context) (*BackupInfo, error) {
	if err := m.db.Checkpoint(ctx); err != nil {
		return nil, fmt.Errorf("checkpoint before backup: %w", err)
	}

	name := fmt.Sprintf("notebook-%s.db", time.Now().UTC().Format("20060102-150405"))
	dst := filepath.Join(m.dir, name)

	if err := copyFile(m.db.Path(), dst); err != nil {
		return nil, fmt.Errorf("copy backup: %w", err)
	}

	if err := verifyDatabaseFile(ctx, dst); err != nil {
		os.Remove(dst)
		return nil, fmt.Errorf("backup failed verification: %w", err)
	}

	if err := m.prune(); err != nil {
		m.db.log.Warn().Err(err).Msg("backup rotation failed")
	}

	st, err := os.Stat(dst)
	if err != nil {
		return nil, err
	}
	m.db.log.Info().Str("name", name).Int64("bytes", st.Size()).Msg("database backup created")
	return &BackupInfo{Name: name, SizeBytes: st.Size(), CreatedAt: st.ModTime().UTC()}, nil
}

// List returns backups newest first.
func (m *BackupManager) List() ([]BackupInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []BackupInfo{}, nil
		}
		return nil, err
	}
	out := []BackupInfo{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, BackupInfo{
			Name:      e.Name(),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// NewestAge returns the age of the newest backup. ok is false when no
// backups exist.
func (m *BackupManager) NewestAge() (age time.Duration, ok bool) {
	list, err := m.List()
	if err != nil || len(list) == 0 {
		return 0, false
	}
	return time.Since(list[0].CreatedAt), true
}

// Restore replaces the main database file with the named backup.
// The sequence is: verify the chosen backup, snapshot the current database
// as a safety backup, flip the store read-only, swap files, and reopen.
// New writes are refused (ErrReadOnly) for the duration.
func (m *BackupManager) Restore(ctx context.Context, name string) error {
	if filepath.Base(name) != name {
		return fmt.Errorf("%w: invalid backup name", ErrNotFound)
	}
	src := filepath.Join(m.dir, name)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%w: backup %s", ErrNotFound, name)
	}

	if err := verifyDatabaseFile(ctx, src); err != nil {
		return fmt.Errorf("backup %s is corrupted: %w", name, err)
	}

	m.db.SetReadOnly(true)
	defer m.db.SetReadOnly(false)

	// Safety snapshot of the current state before it is overwritten.
	if err := m.db.Checkpoint(ctx); err != nil {
		return fmt.Errorf("checkpoint before restore: %w", err)
	}
	safety := filepath.Join(m.dir, fmt.Sprintf("pre-restore-%s.db", time.Now().UTC().Format("20060102-150405")))
	if err := copyFile(m.db.Path(), safety); err != nil {
		return fmt.Errorf("safety backup: %w", err)
	}

	if err := m.db.swapFile(ctx, src); err != nil {
		return fmt.Errorf("restore swap: %w", err)
	}

	m.db.log.Info().Str("backup", name).Str("safety", filepath.Base(safety)).Msg("database restored")
	return nil
}

// prune removes the oldest backups beyond maxBackups.
func (m *BackupManager) prune() error {
	if m.maxBackups <= 0 {
		return nil
	}
	list, err := m.List()
	if err != nil {
		return err
	}
	for _, b := range list[min(len(list), m.maxBackups):] {
		if err := os.Remove(filepath.Join(m.dir, b.Name)); err != nil {
			return err
		}
		m.db.log.Debug().Str("name", b.Name).Msg("old backup pruned")
	}
	return nil
}

// swapFile closes the connections, replaces the database file with src,
// removes stale WAL/SHM sidecars, and reopens.
func (db *DB) swapFile(ctx context.Context, src string) error {
	db.reader.Close()
	db.writer.Close()

	os.Remove(db.path + "-wal")
	os.Remove(db.path + "-shm")
	if err := copyFile(src, db.path); err != nil {
		return err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)", db.path)
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return err
	}
	writer.SetMaxOpenConns(1)
	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return err
	}
	reader.SetMaxOpenConns(8)

	db.writer = writer
	db.reader = reader
	return db.writer.PingContext(ctx)
}

// verifyDatabaseFile opens the file read-only and runs an integrity check.
func verifyDatabaseFile(ctx context.Context, path string) error {
	check, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return err
	}
	defer check.Close()

	var result string
	if err := check.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), ".tmp-backup-*")
	if err != nil {
		return err
	}
	tmp := out.Name()
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// BackupService runs age-triggered backups in the background. It follows
// the Start/Stop background service shape used by the other maintenance
// loops.
type BackupService struct {
	mgr      *BackupManager
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewBackupService creates the periodic backup runner.
func NewBackupService(mgr *BackupManager) *BackupService {
	return &BackupService{
		mgr:      mgr,
		interval: 15 * time.Minute,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop. A backup runs immediately if the newest one is
// older than the configured max age, then the age is re-checked
// periodically.
func (s *BackupService) Start() {
	go func() {
		defer close(s.done)
		s.runIfStale()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.runIfStale()
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (s *BackupService) Stop() {
	close(s.stop)
	<-s.done
}

func (s *BackupService) runIfStale() {
	if age, ok := s.mgr.NewestAge(); ok && age < s.mgr.maxAge {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := s.mgr.Create(ctx); err != nil {
		metrics.BackupsTotal.WithLabelValues("error").Inc()
		s.mgr.db.log.Error().Err(err).Msg("scheduled backup failed")
		return
	}
	metrics.BackupsTotal.WithLabelValues("ok").Inc()
}
