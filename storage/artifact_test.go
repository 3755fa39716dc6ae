package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactFileName(t *testing.T) {
	at := time.UnixMilli(1700000000000).UTC()
	assert.Equal(t, "mesh_1700000000000.glb", ArtifactFileName("mesh", "glb", at))
	assert.Equal(t, "image_1700000000000.png", ArtifactFileName("image", ".png", at))
}

func TestLocalStoreSave(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("glTF fake payload")
	artifact, err := store.Save(context.Background(), 42, "mesh_1700000000000.glb", data, "model/gltf-binary")
	require.NoError(t, err)

	assert.Equal(t, "projects/42/mesh_1700000000000.glb", artifact.Key)
	assert.Equal(t, int64(len(data)), artifact.Size)

	written, err := os.ReadFile(artifact.Location)
	require.NoError(t, err)
	assert.Equal(t, data, written)
	assert.Equal(t, filepath.Join(store.baseDir, "projects", "42", "mesh_1700000000000.glb"), artifact.Location)
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "../escape.glb", "nested/escape.glb", "..", `..\escape.glb`} {
		_, err := store.Save(context.Background(), 1, name, []byte("x"), "application/octet-stream")
		assert.Error(t, err, "file name %q should be rejected", name)
	}
}

func TestNewArtifactStoreFromEnvDefaultsToLocal(t *testing.T) {
	for _, key := range []string{"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_BUCKET"} {
		t.Setenv(key, "")
	}
	t.Setenv("ARTIFACT_STORAGE_DIR", t.TempDir())

	store, err := NewArtifactStoreFromEnv()
	require.NoError(t, err)
	_, ok := store.(*localStore)
	assert.True(t, ok)
}
