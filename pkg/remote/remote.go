// Package remote ships backup bundles to an S3-compatible bucket for
// off-cluster retention.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Credentials holds bucket access details, loaded from a JSON file.
type Credentials struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	Insecure        bool   `json:"insecure,omitempty"`
}

// ObjectInfo describes a stored bundle.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store wraps a minio client pointed at the backup bucket.
type Store struct {
	mc      *minio.Client
	bucket  string
	verbose bool
}

// LoadCredentials reads and validates bucket credentials from a JSON file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials JSON: %w", err)
	}

	if err := creds.validate(); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (c *Credentials) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("credentials: endpoint is required")
	}
	if c.AccessKeyID == "" {
		return fmt.Errorf("credentials: access_key_id is required")
	}
	if c.SecretAccessKey == "" {
		return fmt.Errorf("credentials: secret_access_key is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("credentials: bucket is required")
	}
	return nil
}

// New creates a Store from the given credentials.
func New(creds *Credentials, verbose bool) (*Store, error) {
	mc, err := minio.New(creds.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, ""),
		Secure: !creds.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket client: %w", err)
	}

	return &Store{mc: mc, bucket: creds.Bucket, verbose: verbose}, nil
}

// BundleKey is where a backup directory's bundle lives in the bucket.
func BundleKey(namespace, serviceName, backupName string) string {
	return path.Join(namespace, serviceName, backupName+".tar.gz")
}

// Upload bundles a backup directory and puts it under key.
func (s *Store) Upload(ctx context.Context, backupDir, key string) error {
	bundle, err := os.CreateTemp("", "backup-bundle-*.tar.gz")
	if err != nil {
		return fmt.Errorf("creating bundle temp file: %w", err)
	}
	bundle.Close()
	defer os.Remove(bundle.Name())

	size, err := Bundle(bundle.Name(), backupDir)
	if err != nil {
		return fmt.Errorf("bundling %s: %w", backupDir, err)
	}
	s.logf("bundled %s (%d bytes)", backupDir, size)

	s.logf("uploading %s -> s3://%s/%s", backupDir, s.bucket, key)
	info, err := s.mc.FPutObject(ctx, s.bucket, key, bundle.Name(), minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	s.logf("uploaded %s (%d bytes)", key, info.Size)
	return nil
}

// Download fetches a bundle and unpacks it into destDir.
func (s *Store) Download(ctx context.Context, key, destDir string) error {
	bundle, err := os.CreateTemp("", "backup-bundle-*.tar.gz")
	if err != nil {
		return fmt.Errorf("creating bundle temp file: %w", err)
	}
	bundle.Close()
	defer os.Remove(bundle.Name())

	s.logf("downloading s3://%s/%s", s.bucket, key)
	if err := s.mc.FGetObject(ctx, s.bucket, key, bundle.Name(), minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("downloading %s: %w", key, err)
	}

	if err := Unbundle(bundle.Name(), destDir); err != nil {
		return fmt.Errorf("unpacking %s: %w", key, err)
	}
	s.logf("unpacked %s -> %s", key, destDir)
	return nil
}

// ListByPrefix returns bundles under prefix, newest first.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	s.logf("listing objects with prefix %q in bucket %s", prefix, s.bucket)

	var objects []ObjectInfo
	for obj := range s.mc.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing objects: %w", obj.Err)
		}
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.After(objects[j].LastModified)
	})
	return objects, nil
}

// Delete removes a single bundle.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.logf("deleting s3://%s/%s", s.bucket, key)
	if err := s.mc.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Rotate keeps the keepLast newest bundles under prefix and deletes the
// rest. Returns the deleted keys.
func (s *Store) Rotate(ctx context.Context, prefix string, keepLast int) ([]string, error) {
	if keepLast <= 0 {
		return nil, nil
	}

	objects, err := s.ListByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(objects) <= keepLast {
		return nil, nil
	}

	var deleted []string
	for _, obj := range objects[keepLast:] {
		if err := s.Delete(ctx, obj.Key); err != nil {
			return deleted, fmt.Errorf("rotating %s: %w", obj.Key, err)
		}
		deleted = append(deleted, obj.Key)
	}

	s.logf("rotated prefix %q: kept %d, deleted %d", prefix, keepLast, len(deleted))
	return deleted, nil
}

func (s *Store) logf(format string, args ...interface{}) {
	if s.verbose {
		log.Printf("[remote] "+format, args...)
	}
}
