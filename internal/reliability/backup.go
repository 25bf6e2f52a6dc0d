// Package reliability provides the off-site backup service: periodic
// snapshots of the SQLite databases archived and uploaded to S3-compatible
// object storage.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// BackupService archives database files and uploads them to a bucket.
// Disabled entirely when no bucket is configured.
type BackupService struct {
	bucket   string
	prefix   string
	dataDir  string
	paths    []string
	uploader *manager.Uploader
	log      zerolog.Logger
}

// NewBackupService creates the service and its S3 client from the ambient
// AWS configuration (credentials resolve from the environment).
func NewBackupService(ctx context.Context, bucket, prefix, dataDir string, dbPaths []string, log zerolog.Logger) (*BackupService, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	client := s3.NewFromConfig(cfg)

	return &BackupService{
		bucket:   bucket,
		prefix:   prefix,
		dataDir:  dataDir,
		paths:    dbPaths,
		uploader: manager.NewUploader(client),
		log:      log.With().Str("component", "backup").Logger(),
	}, nil
}

// Run creates one backup archive and uploads it. Called from the cron
// schedule.
func (s *BackupService) Run(ctx context.Context) error {
	start := time.Now()
	timestamp := start.UTC().Format("2006-01-02-150405")
	archivePath := filepath.Join(s.dataDir, fmt.Sprintf("backup-%s.tar.gz", timestamp))

	if err := s.archive(archivePath); err != nil {
		return err
	}
	defer os.Remove(archivePath)

	key := fmt.Sprintf("%s/backup-%s.tar.gz", s.prefix, timestamp)
	if err := s.upload(ctx, archivePath, key); err != nil {
		return err
	}

	s.log.Info().
		Str("key", key).
		Dur("elapsed", time.Since(start)).
		Msg("Backup uploaded")
	return nil
}

// archive writes a tar.gz of the database files.
func (s *BackupService) archive(dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, path := range s.paths {
		if err := addFile(tw, path); err != nil {
			return fmt.Errorf("failed to archive %s: %w", path, err)
		}
	}
	return nil
}

// addFile appends one file to the tar stream.
func addFile(tw *tar.Writer, path string) error {
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
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Mode:    0644,
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// upload streams the archive to the bucket.
func (s *BackupService) upload(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload backup to s3: %w", err)
	}
	return nil
}
