package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proofofart/internal/config"
)

func TestMemoryStorePutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("https://assets.test/")

	url1, err := store.Put(ctx, OriginalKey("abc", "png"), []byte("one"), "image/png")
	require.NoError(t, err)
	url2, err := store.Put(ctx, OriginalKey("abc", "png"), []byte("two"), "image/png")
	require.NoError(t, err)

	assert.Equal(t, "https://assets.test/originals/abc.png", url1)
	assert.Equal(t, url1, url2)
	assert.Equal(t, 1, store.Writes())

	data, err := store.Get(ctx, OriginalKey("abc", "png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestKeyFromURL(t *testing.T) {
	store := NewMemoryStore("https://assets.test")
	key, ok := KeyFromURL(store, "https://assets.test/originals/abc.png")
	require.True(t, ok)
	assert.Equal(t, "originals/abc.png", key)

	_, ok = KeyFromURL(store, "https://elsewhere.test/originals/abc.png")
	assert.False(t, ok)
}

func TestObjectStoreURL(t *testing.T) {
	store, err := NewObjectStore(config.StorageConfig{
		Endpoint:     "http://minio:9000",
		BucketAssets: "assets",
		AccessKey:    "k",
		SecretKey:    "s",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://minio:9000/assets/masks/img.png", store.URL(MaskKey("img")))

	store.cfg.PublicURL = "https://cdn.test/"
	assert.Equal(t, "https://cdn.test/assets/originals/h.jpg", store.URL(OriginalKey("h", "jpg")))
}
