package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

const (
	backupPrefix = "moderation-"
	backupSuffix = ".db"
)

// Backup snapshots the moderation database and keeps the newest few copies.
type Backup struct {
	db    *sqlx.DB
	dir   string
	keep  int
	clock clock.Clock
	log   logrus.FieldLogger
}

func NewBackup(db *sqlx.DB, cfg model.BackupConfig, clk clock.Clock, logger logrus.FieldLogger) *Backup {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Backup{
		db:    db,
		dir:   cfg.Dir,
		keep:  cfg.KeepBackups,
		clock: clk,
		log:   logger.WithField("component", "backup"),
	}
}

// Run writes a consistent copy of the live database with VACUUM INTO and
// removes the oldest backups beyond the retention count.
func (b *Backup) Run(ctx context.Context) (string, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := backupPrefix + b.clock.Now().UTC().Format("20060102-150405") + backupSuffix
	path := filepath.Join(b.dir, name)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("backup %s already exists", path)
	}

	if _, err := b.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", fmt.Errorf("failed to back up database: %w", err)
	}

	removed, err := b.prune()
	if err != nil {
		return path, err
	}
	b.log.WithFields(logrus.Fields{"path": path, "pruned": removed}).Info("Database backup written")
	return path, nil
}

// List returns the existing backups, oldest first.
func (b *Backup) List() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), backupSuffix) {
			names = append(names, filepath.Join(b.dir, e.Name()))
		}
	}
	// timestamps in the names sort chronologically
	sort.Strings(names)
	return names, nil
}

func (b *Backup) prune() (int, error) {
	if b.keep <= 0 {
		return 0, nil
	}
	backups, err := b.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for len(backups) > b.keep {
		if err := os.Remove(backups[0]); err != nil {
			return removed, fmt.Errorf("failed to remove old backup %s: %w", backups[0], err)
		}
		backups = backups[1:]
		removed++
	}
	return removed, nil
}
