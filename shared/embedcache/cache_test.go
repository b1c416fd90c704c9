package embedcache

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fitness-rag/shared/config"
	"fitness-rag/shared/logger"
)

type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

func setupCache(t *testing.T) (*Cache, *MockEmbedder, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	embedder := &MockEmbedder{}
	cache := New(embedder, client, config.RedisConfig{
		TTLSeconds: 3600,
		KeyPrefix:  "test:emb:",
	}, "text-embedding-3-small", logger.New("embedcache").WithOutput(io.Discard))
	return cache, embedder, mr
}

func TestKey(t *testing.T) {
	cache, _, _ := setupCache(t)

	key := cache.Key("hello")
	assert.Equal(t, "test:emb:text-embedding-3-small:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", key)
	assert.NotEqual(t, key, cache.Key("hello "))
}

func TestKeyDependsOnModel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	log := logger.New("embedcache").WithOutput(io.Discard)
	cfg := config.RedisConfig{TTLSeconds: 3600, KeyPrefix: "test:emb:"}

	ada := New(&MockEmbedder{}, client, cfg, "text-embedding-ada-002", log)
	embedder := &MockEmbedder{}
	large := New(embedder, client, cfg, "text-embedding-3-large", log)

	assert.NotEqual(t, ada.Key("hello"), large.Key("hello"))

	// A vector cached for one model is not served for another
	require.NoError(t, mr.Set(ada.Key("plank"), "[1,2,3]"))
	embedder.On("EmbedBatch", mock.Anything, []string{"plank"}).Return([][]float32{{9, 9, 9, 9}}, nil).Once()

	vector, err := large.Embed(context.Background(), "plank")
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 9, 9, 9}, vector)
	embedder.AssertExpectations(t)
}

func TestEmbedBatch_CachesMisses(t *testing.T) {
	cache, embedder, mr := setupCache(t)
	ctx := context.Background()

	embedder.On("EmbedBatch", ctx, []string{"squat", "bench"}).
		Return([][]float32{{0.1, 0.2}, {0.3, 0.4}}, nil).Once()

	vectors, err := cache.EmbedBatch(ctx, []string{"squat", "bench"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}}, vectors)

	assert.True(t, mr.Exists(cache.Key("squat")))
	assert.Equal(t, time.Hour, mr.TTL(cache.Key("squat")))

	// Second call is served from Redis except the new text
	embedder.On("EmbedBatch", ctx, []string{"row"}).Return([][]float32{{0.5, 0.6}}, nil).Once()

	vectors, err = cache.EmbedBatch(ctx, []string{"bench", "row", "squat"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.3, 0.4}, {0.5, 0.6}, {0.1, 0.2}}, vectors)

	embedder.AssertExpectations(t)
}

func TestEmbed_Hit(t *testing.T) {
	cache, embedder, mr := setupCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(cache.Key("plank"), "[1,2,3]"))

	vector, err := cache.Embed(ctx, "plank")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vector)
	embedder.AssertNotCalled(t, "EmbedBatch", mock.Anything, mock.Anything)
}

func TestEmbed_CorruptEntryIsReplaced(t *testing.T) {
	cache, embedder, mr := setupCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(cache.Key("lunge"), "not json"))
	embedder.On("EmbedBatch", ctx, []string{"lunge"}).Return([][]float32{{0.9}}, nil)

	vector, err := cache.Embed(ctx, "lunge")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.9}, vector)

	stored, err := mr.Get(cache.Key("lunge"))
	require.NoError(t, err)
	assert.Equal(t, "[0.9]", stored)
}

func TestEmbed_RedisDownFallsBack(t *testing.T) {
	cache, embedder, mr := setupCache(t)
	ctx := context.Background()
	mr.SetError("LOADING Redis is loading the dataset in memory")

	embedder.On("EmbedBatch", ctx, []string{"curl"}).Return([][]float32{{0.7}}, nil)

	vector, err := cache.Embed(ctx, "curl")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.7}, vector)
}

func TestEmbed_EmbedderError(t *testing.T) {
	cache, embedder, _ := setupCache(t)
	ctx := context.Background()

	embedder.On("EmbedBatch", ctx, []string{"press"}).Return(nil, errors.New("quota exceeded"))

	_, err := cache.Embed(ctx, "press")
	assert.EqualError(t, err, "quota exceeded")
}

func TestNewClient_ConnectionFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewClient(ctx, config.RedisConfig{Address: "127.0.0.1:1"})
	require.Error(t, err)
	assert.True(t, logger.IsErrorType(err, logger.ErrorTypeStorage))
}

func TestWrap(t *testing.T) {
	ctx := context.Background()
	log := logger.New("embedcache").WithOutput(io.Discard)
	embedder := &MockEmbedder{}

	wrapped, release := Wrap(ctx, embedder, config.RedisConfig{}, "m", log)
	release()
	assert.Same(t, embedder, wrapped)

	wrapped, release = Wrap(ctx, embedder, config.RedisConfig{Address: "127.0.0.1:1"}, "m", log)
	release()
	assert.Same(t, embedder, wrapped)

	mr := miniredis.RunT(t)
	wrapped, release = Wrap(ctx, embedder, config.RedisConfig{Address: mr.Addr(), TTLSeconds: 60}, "m", log)
	defer release()
	_, ok := wrapped.(*Cache)
	assert.True(t, ok)
}
