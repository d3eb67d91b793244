// Package gdrive backs up the local database and tracklists to Google Drive.
package gdrive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const (
	mimeSQLite = "application/vnd.sqlite3"
	mimeDoc    = "application/vnd.google-apps.document"
)

// files is the slice of the Drive API the backup uses.
type files interface {
	create(ctx context.Context, name, mimeType, folderID string, media io.Reader) (string, error)
	update(ctx context.Context, fileID string, media io.Reader) error
}

// Snapshotter writes a consistent copy of the database to a path.
type Snapshotter interface {
	Snapshot(ctx context.Context, path string) error
}

type Backup struct {
	files    files
	folderID string
	tmpDir   string

	mu      sync.Mutex
	fileIDs map[string]string
}

func NewBackup(ctx context.Context, credPath, folderID string) (*Backup, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithCredentials(config))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return newBackup(driveFiles{svc: svc}, folderID), nil
}

func newBackup(f files, folderID string) *Backup {
	return &Backup{
		files:    f,
		folderID: folderID,
		tmpDir:   os.TempDir(),
		fileIDs:  make(map[string]string),
	}
}

// BackupDatabase snapshots the database and uploads it, replacing the previous
// upload for the same day.
func (b *Backup) BackupDatabase(ctx context.Context, db Snapshotter, now time.Time) error {
	name := fmt.Sprintf("setcapture-%s.db", now.UTC().Format("2006-01-02"))
	path := filepath.Join(b.tmpDir, name)
	if err := db.Snapshot(ctx, path); err != nil {
		return err
	}
	defer func() { _ = os.Remove(path) }()

	return b.upload(ctx, path, name, mimeSQLite)
}

// BackupTracklist uploads a markdown tracklist as a Google Doc.
func (b *Backup) BackupTracklist(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat tracklist: %w", err)
	}
	name := "setcapture-" + trimExt(filepath.Base(path))
	return b.upload(ctx, path, name, mimeDoc)
}

// Run backs up on every interval tick until ctx is cancelled. tracklist
// returns the current tracklist path and may be nil.
func (b *Backup) Run(ctx context.Context, interval time.Duration, db Snapshotter, tracklist func() string) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := b.BackupDatabase(ctx, db, now); err != nil {
				slog.Warn("gdrive: database backup failed", "error", err)
			}
			if tracklist != nil {
				if err := b.BackupTracklist(ctx, tracklist()); err != nil {
					slog.Warn("gdrive: tracklist backup failed", "error", err)
				}
			}
		}
	}
}

func (b *Backup) upload(ctx context.Context, localPath, name, mimeType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	if fileID, ok := b.fileIDs[name]; ok {
		if err := b.files.update(ctx, fileID, f); err != nil {
			return fmt.Errorf("drive update: %w", err)
		}
		return nil
	}

	id, err := b.files.create(ctx, name, mimeType, b.folderID, f)
	if err != nil {
		return fmt.Errorf("drive create: %w", err)
	}
	b.fileIDs[name] = id
	slog.Info("gdrive: uploaded", "name", name)
	return nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

type driveFiles struct {
	svc *drive.Service
}

func (d driveFiles) create(ctx context.Context, name, mimeType, folderID string, media io.Reader) (string, error) {
	file := &drive.File{Name: name, MimeType: mimeType}
	if folderID != "" {
		file.Parents = []string{folderID}
	}
	doc, err := d.svc.Files.Create(file).Media(media).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return doc.Id, nil
}

func (d driveFiles) update(ctx context.Context, fileID string, media io.Reader) error {
	_, err := d.svc.Files.Update(fileID, &drive.File{}).Media(media).Context(ctx).Do()
	return err
}
