package objstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"elt-runner/internal/config"
	"elt-runner/internal/shared/storage"
	"elt-runner/internal/shared/storage/storagetest"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient 连接测试用 MinIO，未配置或不可用时跳过
func testClient(t *testing.T) *Client {
	t.Helper()
	endpoint := os.Getenv("MINIO_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_TEST_ENDPOINT not set")
	}
	c, err := NewClient(config.MinIOConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_ROOT_USER"),
		SecretKey: os.Getenv("MINIO_ROOT_PASSWORD"),
		Bucket:    "elt-runner-test",
		Prefix:    "t-" + uuid.NewString()[:8],
	})
	if err != nil {
		t.Skipf("MinIO not available: %v", err)
	}
	if err := c.EnsureBucket(context.Background()); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(config.MinIOConfig{})
	assert.Error(t, err)
	_, err = NewClient(config.MinIOConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}

func TestObjectStateStore(t *testing.T) {
	storagetest.RunStateStore(t, func(t *testing.T) storage.StateStore {
		return NewStateStore(testClient(t))
	})
}

func TestArchiveRunLog(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	logPath := filepath.Join(t.TempDir(), "elt.log")
	require.NoError(t, os.WriteFile(logPath, []byte("line 1\nline 2\n"), 0o600))

	key, err := c.ArchiveRunLog(ctx, "orders-sync", "run-1", logPath)
	require.NoError(t, err)
	t.Cleanup(func() { c.Delete(context.Background(), key) })

	rc, err := c.Download(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	assert.True(t, strings.HasSuffix(key, "/logs/orders-sync/run-1.log.gz"), key)
	zr, err := gzip.NewReader(rc)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2\n", string(data))
}

func TestGzipStream(t *testing.T) {
	src := strings.Repeat("2026-01-01T00:00:00Z tap-orders stderr | synced 500 records\n", 200)

	zr, err := gzip.NewReader(gzipStream(strings.NewReader(src)))
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, src, string(data))
}
