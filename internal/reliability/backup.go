// Package reliability provides durable off-site backups of the
// platform's databases.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const archiveTimeFormat = "2006-01-02-150405"

// ObjectStore is the storage surface the backup service consumes
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

var _ ObjectStore = (*S3Client)(nil)

// Database is the slice of the database wrapper the backup needs: a
// WAL checkpoint so the main file is complete, then a file copy.
type Database interface {
	Name() string
	Path() string
	WALCheckpoint(mode string) error
}

// ArchiveMetadata describes one backup archive
type ArchiveMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes one database inside an archive
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupService snapshots the databases into a tar.gz archive, uploads
// it, and prunes old archives beyond the retention count.
type BackupService struct {
	store  ObjectStore
	dbs    []Database
	prefix string
	keep   int
	log    zerolog.Logger
}

// NewBackupService creates the backup service. keep is the number of
// most recent archives retained during pruning.
func NewBackupService(store ObjectStore, dbs []Database, prefix string, keep int, log zerolog.Logger) *BackupService {
	if prefix == "" {
		prefix = "helmsman"
	}
	if keep < 1 {
		keep = 1
	}
	return &BackupService{
		store:  store,
		dbs:    dbs,
		prefix: prefix,
		keep:   keep,
		log:    log.With().Str("service", "backup").Logger(),
	}
}

// Backup creates and uploads one archive, then prunes old ones
func (s *BackupService) Backup(ctx context.Context) error {
	started := time.Now()

	staging, err := os.MkdirTemp("", "helmsman-backup-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	metadata := ArchiveMetadata{
		Timestamp: time.Now().UTC(),
		Databases: make([]DatabaseMetadata, 0, len(s.dbs)),
	}

	var files []string
	for _, db := range s.dbs {
		// Fold the WAL into the main file so the copy is self-contained
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			s.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed before backup")
		}

		filename := db.Name() + ".db"
		dest := filepath.Join(staging, filename)
		size, err := copyFile(db.Path(), dest)
		if err != nil {
			return fmt.Errorf("failed to stage %s: %w", db.Name(), err)
		}
		checksum, err := fileChecksum(dest)
		if err != nil {
			return fmt.Errorf("failed to checksum %s: %w", db.Name(), err)
		}

		files = append(files, filename)
		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      db.Name(),
			Filename:  filename,
			SizeBytes: size,
			Checksum:  checksum,
		})
	}

	metadataFile := "backup-metadata.json"
	if err := writeMetadata(filepath.Join(staging, metadataFile), metadata); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	files = append(files, metadataFile)

	archiveName := fmt.Sprintf("%s-backup-%s.tar.gz", s.prefix, metadata.Timestamp.Format(archiveTimeFormat))
	archivePath := filepath.Join(staging, archiveName)
	if err := createArchive(archivePath, staging, files); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	if err := s.store.Upload(ctx, archiveName, archive); err != nil {
		return err
	}

	info, _ := os.Stat(archivePath)
	var sizeBytes int64
	if info != nil {
		sizeBytes = info.Size()
	}
	s.log.Info().
		Str("archive", archiveName).
		Int64("size_bytes", sizeBytes).
		Dur("elapsed", time.Since(started)).
		Msg("Backup uploaded")

	return s.prune(ctx)
}

// prune deletes archives beyond the retention count, newest kept
func (s *BackupService) prune(ctx context.Context) error {
	objects, err := s.store.List(ctx, s.prefix+"-backup-")
	if err != nil {
		return fmt.Errorf("failed to list archives: %w", err)
	}

	archives := make([]ObjectInfo, 0, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, ".tar.gz") {
			archives = append(archives, obj)
		}
	}
	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Key > archives[j].Key // timestamped names sort newest-first descending
	})

	for _, old := range archives[min(s.keep, len(archives)):] {
		if err := s.store.Delete(ctx, old.Key); err != nil {
			s.log.Warn().Err(err).Str("archive", old.Key).Msg("Failed to delete old archive")
			continue
		}
		s.log.Info().Str("archive", old.Key).Msg("Old archive pruned")
	}
	return nil
}

func copyFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	return io.Copy(out, in)
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata ArchiveMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(metadata)
}

func createArchive(archivePath, sourceDir string, filenames []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, name := range filenames {
		if err := addFile(tw, filepath.Join(sourceDir, name), name); err != nil {
			return fmt.Errorf("failed to add %s: %w", name, err)
		}
	}
	return nil
}

func addFile(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
