package tracker

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/corelane/aipipeline/core"
)

// compressionThreshold: payloads above this size are gzipped before
// storage.
const compressionThreshold = 100 * 1024

const sessionIndexKey = "aipipeline:tracker:sessions"

// RedisSink persists ended sessions' records to Redis for cross-process
// analysis, grounded on orchestration/redis_llm_debug_store.go's
// functional-options construction, compression-above-threshold, and
// sorted-set index for recency listing.
type RedisSink struct {
	client *redis.Client
	logger core.Logger
	ttl    time.Duration
}

// RedisSinkOption configures a RedisSink at construction.
type RedisSinkOption func(*RedisSink)

func WithRedisSinkLogger(logger core.Logger) RedisSinkOption {
	return func(s *RedisSink) { s.logger = logger }
}

func WithRedisSinkTTL(ttl time.Duration) RedisSinkOption {
	return func(s *RedisSink) { s.ttl = ttl }
}

// NewRedisSink constructs a RedisSink over an already-configured client
// (the client's connection details, including REDIS_URL precedence, are
// the caller's concern; this type only owns serialization and the
// index). TTL defaults to 24h.
func NewRedisSink(client *redis.Client, opts ...RedisSinkOption) *RedisSink {
	s := &RedisSink{
		client: client,
		logger: core.NoOpLogger{},
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type storedSession struct {
	SessionID string      `json:"session_id"`
	Records   []*IORecord `json:"records"`
	StoredAt  time.Time   `json:"stored_at"`
}

func (s *RedisSink) key(sessionID string) string {
	return fmt.Sprintf("aipipeline:tracker:session:%s", sessionID)
}

func (s *RedisSink) Persist(sessionID string, records []*IORecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(storedSession{SessionID: sessionID, Records: records, StoredAt: time.Now()})
	if err != nil {
		s.logger.Warn("tracker: redis sink marshal failed", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
		return err
	}

	encoded, compressed, err := s.serialize(payload)
	if err != nil {
		s.logger.Warn("tracker: redis sink compression failed", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
		return err
	}
	_ = compressed

	if err := s.client.Set(ctx, s.key(sessionID), encoded, s.ttl).Err(); err != nil {
		s.logger.Warn("tracker: redis sink write failed", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
		return err
	}

	// Best-effort recency index; failures here never fail the Persist call.
	s.client.ZAdd(ctx, sessionIndexKey, &redis.Z{Score: float64(time.Now().Unix()), Member: sessionID})
	return nil
}

// serialize prefixes the payload with a one-byte compression flag,
// gzipping when the payload exceeds compressionThreshold.
func (s *RedisSink) serialize(payload []byte) ([]byte, bool, error) {
	if len(payload) <= compressionThreshold {
		return append([]byte{0}, payload...), false, nil
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return nil, false, err
	}
	if err := gz.Close(); err != nil {
		return nil, false, err
	}
	return append([]byte{1}, buf.Bytes()...), true, nil
}

func deserialize(encoded []byte) ([]byte, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("tracker: empty payload")
	}
	flag, body := encoded[0], encoded[1:]
	if flag == 0 {
		return body, nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

// ListRecent returns up to n session ids most recently persisted.
func (s *RedisSink) ListRecent(ctx context.Context, n int) ([]string, error) {
	return s.client.ZRevRange(ctx, sessionIndexKey, 0, int64(n-1)).Result()
}

// Get retrieves a previously persisted session's records.
func (s *RedisSink) Get(ctx context.Context, sessionID string) ([]*IORecord, error) {
	encoded, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		return nil, err
	}
	payload, err := deserialize(encoded)
	if err != nil {
		return nil, err
	}
	var stored storedSession
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, err
	}
	return stored.Records, nil
}

var _ Sink = (*RedisSink)(nil)
