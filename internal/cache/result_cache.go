package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/klauspost/compress/s2"
	"go.uber.org/zap"

	"github.com/kyotosystems/quell/internal/analyzer"
	"github.com/kyotosystems/quell/internal/clock"
	"github.com/kyotosystems/quell/internal/dbopen"
)

// payload framing for the L2 layer
const (
	payloadRaw        byte = 0
	payloadCompressed byte = 1
)

// ResultCacheConfig tunes the query result cache
type ResultCacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Shards     int           `yaml:"shards"`

	// Large serialized results bypass the in-heap store and land in a
	// bigcache layer sized in megabytes. Payloads above the compression
	// threshold are s2-compressed first.
	L2Enabled            bool `yaml:"l2_enabled"`
	L2SizeMB             int  `yaml:"l2_size_mb"`
	L2PayloadThreshold   int  `yaml:"l2_payload_threshold"`
	CompressionThreshold int  `yaml:"compression_threshold"`
}

// DefaultResultCacheConfig returns the baseline result cache tuning
func DefaultResultCacheConfig() ResultCacheConfig {
	return ResultCacheConfig{
		TTL:                  5 * time.Minute,
		MaxEntries:           1000,
		Shards:               16,
		L2Enabled:            true,
		L2SizeMB:             64,
		L2PayloadThreshold:   16 * 1024,
		CompressionThreshold: 64 * 1024,
	}
}

// ResultCache stores query results keyed by the analyzer's cache key.
// Small result sets live in the generic FIFO/TTL store; large serialized
// payloads are routed to a bigcache layer so heavy rows do not crowd out
// the hot keyspace.
type ResultCache struct {
	logger *zap.Logger
	cfg    ResultCacheConfig
	l1     *Cache[dbopen.Rows]
	l2     *bigcache.BigCache

	// ttl is the live TTL applied to new in-heap entries; adjustable at
	// runtime. The bigcache layer keeps its construction-time life window.
	ttl atomic.Int64

	hits   atomic.Uint64
	misses atomic.Uint64
	l1Hits atomic.Uint64
	l2Hits atomic.Uint64
}

// NewResultCache builds the two-layer result cache
func NewResultCache(logger *zap.Logger, cfg ResultCacheConfig, clk clock.Clock) (*ResultCache, error) {
	def := DefaultResultCacheConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.L2PayloadThreshold <= 0 {
		cfg.L2PayloadThreshold = def.L2PayloadThreshold
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = def.CompressionThreshold
	}

	rc := &ResultCache{
		logger: logger,
		cfg:    cfg,
		l1: New[dbopen.Rows](Config{
			MaxEntries: cfg.MaxEntries,
			DefaultTTL: cfg.TTL,
			Shards:     cfg.Shards,
		}, clk),
	}
	rc.ttl.Store(int64(cfg.TTL))

	if cfg.L2Enabled {
		sizeMB := cfg.L2SizeMB
		if sizeMB <= 0 {
			sizeMB = def.L2SizeMB
		}
		l2cfg := bigcache.DefaultConfig(cfg.TTL)
		l2cfg.HardMaxCacheSize = sizeMB
		l2cfg.Verbose = false
		l2, err := bigcache.New(context.Background(), l2cfg)
		if err != nil {
			return nil, fmt.Errorf("create l2 cache: %w", err)
		}
		rc.l2 = l2
	}

	logger.Info("Result cache initialized",
		zap.Int("max_entries", cfg.MaxEntries),
		zap.Duration("ttl", cfg.TTL),
		zap.Bool("l2", rc.l2 != nil))

	return rc, nil
}

// Key derives the deterministic cache key for a statement and its params
func (rc *ResultCache) Key(sqlText string, params []any) string {
	return analyzer.CacheKey(sqlText, params)
}

// Get looks up a result across both layers
func (rc *ResultCache) Get(key string) (dbopen.Rows, bool) {
	if rows, ok := rc.l1.Get(key); ok {
		rc.hits.Add(1)
		rc.l1Hits.Add(1)
		return rows, true
	}

	if rc.l2 != nil {
		if payload, err := rc.l2.Get(key); err == nil {
			rows, derr := decodePayload(payload)
			if derr == nil {
				rc.hits.Add(1)
				rc.l2Hits.Add(1)
				return rows, true
			}
			rc.logger.Warn("Discarding undecodable cached payload",
				zap.String("key", key), zap.Error(derr))
			_ = rc.l2.Delete(key)
		}
	}

	rc.misses.Add(1)
	return nil, false
}

// Set stores a result under key with the cache-wide TTL. Placement depends
// on the serialized size: large payloads go to L2 when it is enabled.
func (rc *ResultCache) Set(key string, rows dbopen.Rows) {
	if rc.l2 != nil {
		payload, err := json.Marshal(rows)
		if err == nil && len(payload) > rc.cfg.L2PayloadThreshold {
			if err := rc.l2.Set(key, encodePayload(payload, rc.cfg.CompressionThreshold)); err != nil {
				rc.logger.Warn("L2 cache set failed", zap.Error(err))
			}
			return
		}
	}
	rc.l1.Set(key, rows, time.Duration(rc.ttl.Load()))
}

// SetTTL replaces the TTL applied to entries stored after it returns.
// Already-stored entries keep their original expiry; non-positive values
// are ignored.
func (rc *ResultCache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	rc.ttl.Store(int64(ttl))
}

// Invalidate drops a key from both layers
func (rc *ResultCache) Invalidate(key string) {
	rc.l1.Remove(key)
	if rc.l2 != nil {
		_ = rc.l2.Delete(key)
	}
}

// Cleanup sweeps expired L1 entries (bigcache expires on its own clock)
func (rc *ResultCache) Cleanup() int {
	return rc.l1.Cleanup()
}

// Stats reports the combined view across layers. Hits and misses are
// counted here so an L1 miss answered by L2 is still one hit; evictions
// and size come from the L1 store, with L2 entries added to size.
func (rc *ResultCache) Stats() Stats {
	s := Stats{
		Hits:      rc.hits.Load(),
		Misses:    rc.misses.Load(),
		Evictions: rc.l1.Stats().Evictions,
		Size:      rc.l1.Len(),
	}
	if rc.l2 != nil {
		s.Size += rc.l2.Len()
	}
	return s
}

// LayerHits reports the per-layer hit split for the report
func (rc *ResultCache) LayerHits() (l1, l2 uint64) {
	return rc.l1Hits.Load(), rc.l2Hits.Load()
}

// Close releases the L2 layer
func (rc *ResultCache) Close() error {
	if rc.l2 != nil {
		return rc.l2.Close()
	}
	return nil
}

func encodePayload(data []byte, compressThreshold int) []byte {
	if len(data) > compressThreshold {
		compressed := s2.Encode(nil, data)
		out := make([]byte, 0, len(compressed)+1)
		out = append(out, payloadCompressed)
		return append(out, compressed...)
	}
	return append([]byte{payloadRaw}, data...)
}

func decodePayload(payload []byte) (dbopen.Rows, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	body := payload[1:]
	if payload[0] == payloadCompressed {
		decoded, err := s2.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		body = decoded
	}
	var rows dbopen.Rows
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return rows, nil
}
