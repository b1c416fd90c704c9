package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"fitness-rag/shared/config"
	"fitness-rag/shared/llm"
	"fitness-rag/shared/logger"
)

// Cache wraps an Embedder and keeps vectors in Redis keyed by model and text hash.
// Redis failures are logged and fall through to the wrapped embedder.
type Cache struct {
	embedder llm.Embedder
	client   redis.UniversalClient
	ttl      time.Duration
	prefix   string
	model    string
	logger   *logger.Logger
}

// NewClient opens a Redis client for the cache and checks connectivity
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, logger.NewAppError(logger.ErrorTypeStorage, "failed to connect to Redis", err)
	}
	return client, nil
}

// New wraps embedder with a cache stored through client. model names the
// embedding model so vectors from different models never share a key.
func New(embedder llm.Embedder, client redis.UniversalClient, cfg config.RedisConfig, model string, log *logger.Logger) *Cache {
	return &Cache{
		embedder: embedder,
		client:   client,
		ttl:      time.Duration(cfg.TTLSeconds) * time.Second,
		prefix:   cfg.KeyPrefix,
		model:    model,
		logger:   log,
	}
}

// Key returns the cache key of text
func (c *Cache) Key(text string) string {
	hash := sha256.Sum256([]byte(text))
	return c.prefix + c.model + ":" + hex.EncodeToString(hash[:])
}

// Embed returns the cached vector for text or computes and stores it
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch serves hits from Redis and sends only the misses to the embedder
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = c.Key(text)
	}

	vectors := make([][]float32, len(texts))
	var missIndices []int
	var missTexts []string

	cached, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("Redis get failed, falling back to embedder", map[string]interface{}{
			"error": err.Error(),
		})
		cached = make([]interface{}, len(texts))
	}

	for i, value := range cached {
		if raw, ok := value.(string); ok {
			var vector []float32
			if err := json.Unmarshal([]byte(raw), &vector); err == nil && len(vector) > 0 {
				vectors[i] = vector
				continue
			}
			c.client.Del(ctx, keys[i])
		}
		missIndices = append(missIndices, i)
		missTexts = append(missTexts, texts[i])
	}

	c.logger.Debug("Embedding cache lookup", map[string]interface{}{
		"total":  len(texts),
		"misses": len(missTexts),
	})

	if len(missTexts) == 0 {
		return vectors, nil
	}

	computed, err := c.embedder.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(computed) != len(missTexts) {
		return nil, logger.NewAppError(logger.ErrorTypeAPI, "embedder returned wrong number of vectors", nil)
	}

	pipe := c.client.Pipeline()
	for i, idx := range missIndices {
		vectors[idx] = computed[i]
		data, err := json.Marshal(computed[i])
		if err != nil {
			continue
		}
		pipe.Set(ctx, keys[idx], data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("Failed to cache embeddings", map[string]interface{}{
			"error": err.Error(),
		})
	}

	return vectors, nil
}

// Wrap returns embedder behind a Redis cache when cfg enables one. An
// unreachable Redis is logged and embedder is returned unwrapped. The
// returned func releases the connection.
func Wrap(ctx context.Context, embedder llm.Embedder, cfg config.RedisConfig, model string, log *logger.Logger) (llm.Embedder, func()) {
	if !cfg.Enabled() {
		return embedder, func() {}
	}
	client, err := NewClient(ctx, cfg)
	if err != nil {
		log.Warn("Embedding cache disabled", map[string]interface{}{
			"address": cfg.Address,
			"error":   err.Error(),
		})
		return embedder, func() {}
	}
	log.Info("Embedding cache enabled", map[string]interface{}{"address": cfg.Address})
	return New(embedder, client, cfg, model, log), func() { client.Close() }
}
