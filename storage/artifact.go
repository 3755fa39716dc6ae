package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrArtifactMissing is returned by Open when the key resolves to nothing.
var ErrArtifactMissing = errors.New("storage: artifact not found")

// Artifact describes one persisted generation output.
type Artifact struct {
	Key      string
	Location string
	Size     int64
}

// ArtifactStore persists generated files to addressable locations and
// streams them back by key for HTTP retrieval.
type ArtifactStore interface {
	Save(ctx context.Context, projectID uint64, fileName string, data []byte, contentType string) (*Artifact, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// ArtifactFileName builds the deterministic file name used for every stored
// output: <kind>_<unix-ms>.<ext>.
func ArtifactFileName(kind, ext string, at time.Time) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	return fmt.Sprintf("%s_%d.%s", kind, at.UTC().UnixMilli(), ext)
}

// NewArtifactStoreFromEnv returns a MinIO-backed store when MINIO_* variables
// are set, a local directory store otherwise.
func NewArtifactStoreFromEnv() (ArtifactStore, error) {
	minioStore, err := newMinioStoreFromEnv()
	if err != nil {
		return nil, err
	}
	if minioStore != nil {
		return minioStore, nil
	}
	return newLocalStoreFromEnv()
}

type minioStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

func newMinioStoreFromEnv() (*minioStore, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &minioStore{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

func (s *minioStore) Save(ctx context.Context, projectID uint64, fileName string, data []byte, contentType string) (*Artifact, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("storage: artifact store not configured")
	}
	objectName, err := artifactKey(projectID, fileName)
	if err != nil {
		return nil, err
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	reader := bytes.NewReader(data)
	if _, err := s.client.PutObject(uploadCtx, s.bucket, objectName, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return nil, fmt.Errorf("storage: upload artifact: %w", err)
	}

	return &Artifact{
		Key:      objectName,
		Location: fmt.Sprintf("%s/%s/%s", s.publicURL, s.bucket, objectName),
		Size:     int64(len(data)),
	}, nil
}

func (s *minioStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("storage: artifact store not configured")
	}

	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: open artifact %s: %w", key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before streaming starts.
	if _, err := object.Stat(); err != nil {
		_ = object.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrArtifactMissing
		}
		return nil, fmt.Errorf("storage: stat artifact %s: %w", key, err)
	}
	return object, nil
}

type localStore struct {
	baseDir string
}

func newLocalStoreFromEnv() (*localStore, error) {
	dir := strings.TrimSpace(os.Getenv("ARTIFACT_STORAGE_DIR"))
	if dir == "" {
		dir = "./data/artifacts"
	}
	return NewLocalStore(dir)
}

// NewLocalStore writes artifacts beneath baseDir.
func NewLocalStore(dir string) (*localStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve artifact dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure artifact dir: %w", err)
	}
	return &localStore{baseDir: abs}, nil
}

func (s *localStore) Save(_ context.Context, projectID uint64, fileName string, data []byte, _ string) (*Artifact, error) {
	if s == nil {
		return nil, errors.New("storage: artifact store not configured")
	}
	key, err := artifactKey(projectID, fileName)
	if err != nil {
		return nil, err
	}

	target := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if !strings.HasPrefix(target, s.baseDir+string(os.PathSeparator)) {
		return nil, fmt.Errorf("storage: artifact path escapes base dir: %q", fileName)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("storage: prepare artifact dir: %w", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return nil, fmt.Errorf("storage: write artifact: %w", err)
	}

	return &Artifact{
		Key:      key,
		Location: target,
		Size:     int64(len(data)),
	}, nil
}

func (s *localStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if s == nil {
		return nil, errors.New("storage: artifact store not configured")
	}
	cleaned := path.Clean(strings.ReplaceAll(strings.TrimSpace(key), "\\", "/"))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || path.IsAbs(cleaned) {
		return nil, fmt.Errorf("storage: invalid artifact key %q", key)
	}

	target := filepath.Join(s.baseDir, filepath.FromSlash(cleaned))
	if !strings.HasPrefix(target, s.baseDir+string(os.PathSeparator)) {
		return nil, fmt.Errorf("storage: artifact key escapes base dir: %q", key)
	}

	file, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArtifactMissing
		}
		return nil, fmt.Errorf("storage: open artifact %s: %w", key, err)
	}
	return file, nil
}

func artifactKey(projectID uint64, fileName string) (string, error) {
	trimmed := strings.TrimSpace(fileName)
	if trimmed == "" {
		return "", errors.New("storage: artifact file name is required")
	}
	cleaned := path.Clean(strings.ReplaceAll(trimmed, "\\", "/"))
	if cleaned == "." || strings.Contains(cleaned, "/") || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("storage: invalid artifact file name %q", fileName)
	}
	return path.Join("projects", fmt.Sprintf("%d", projectID), cleaned), nil
}
