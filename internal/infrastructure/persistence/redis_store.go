package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/entity"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/infrastructure/persistence/models"
)

// StoreConfig configures the Redis connection and key policies.
type StoreConfig struct {
	Addr          string
	Password      string
	DB            int
	ResultTTL     time.Duration
	DLQMaxEntries int64
}

const (
	keyResultPrefix = "result:"
	keyTaskPrefix   = "task:"
	keyResultsIndex = "results:index"
	keyDLQ          = "dlq"
)

// Store provides key-value/TTL persistence of TriageResults, a
// time-indexed recent-results view, and an append-only capped DLQ list. A
// best-effort GORM audit mirror rides alongside every write but never
// blocks or fails the Redis path.
type Store struct {
	redis  *redis.Client
	db     *gorm.DB // optional; nil disables the audit mirror
	cfg    StoreConfig
	logger *zap.Logger
}

// NewStore constructs the store. db may be nil to run without the audit
// mirror (e.g. in tests).
func NewStore(cfg StoreConfig, db *gorm.DB, logger *zap.Logger) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	return &Store{redis: client, db: db, cfg: cfg, logger: logger.With(zap.String("component", "result-store"))}
}

// SaveResult is best-effort: it returns false (never an error) when the
// result key itself cannot be written, so a briefly unavailable store cannot
// fail a triage that already succeeded. Failures to update the time index
// or the task:{jobId} mapping are logged only and do not change the return
// value.
func (s *Store) SaveResult(ctx context.Context, result entity.TriageResult, jobID string) bool {
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("marshal result failed", zap.Error(err))
		return false
	}

	ttl := s.cfg.ResultTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	ok := true
	if err := s.redis.Set(ctx, keyResultPrefix+result.RequestUID, payload, ttl).Err(); err != nil {
		s.logger.Warn("save result failed", zap.Error(err))
		ok = false
	}
	if err := s.redis.ZAdd(ctx, keyResultsIndex, &redis.Z{
		Score:  float64(result.CreatedAt.Unix()),
		Member: result.RequestUID,
	}).Err(); err != nil {
		s.logger.Warn("index result failed", zap.Error(err))
	}
	if jobID != "" {
		if err := s.redis.Set(ctx, keyTaskPrefix+jobID, result.RequestUID, ttl).Err(); err != nil {
			s.logger.Warn("save task mapping failed", zap.Error(err))
		}
	}

	s.mirrorResult(result)
	return ok
}

func (s *Store) mirrorResult(result entity.TriageResult) {
	if s.db == nil {
		return
	}
	respJSON, _ := json.Marshal(result.Response)
	warnJSON, _ := json.Marshal(result.Warnings)
	record := models.ResultAuditRecord{
		RequestUID:           result.RequestUID,
		DictionaryVersion:    result.Response.DictionaryVersion,
		RetriesUsed:          result.RetriesUsed,
		ProcessingDurationMs: result.ProcessingDurationMs,
		WarningsJSON:         string(warnJSON),
		ResponseJSON:         string(respJSON),
		CreatedAt:            result.CreatedAt,
	}
	if err := s.db.Save(&record).Error; err != nil {
		s.logger.Warn("audit mirror write failed", zap.Error(err))
	}
}

// GetResult returns the stored result for uid, or nil if missing.
func (s *Store) GetResult(ctx context.Context, uid string) (*entity.TriageResult, error) {
	val, err := s.redis.Get(ctx, keyResultPrefix+uid).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var result entity.TriageResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetResultByJob is a two-hop lookup through task:{jobId}.
func (s *Store) GetResultByJob(ctx context.Context, jobID string) (*entity.TriageResult, error) {
	uid, err := s.redis.Get(ctx, keyTaskPrefix+jobID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetResult(ctx, uid)
}

// SaveDLQ prepends the entry (LPUSH) then trims the list (LTRIM) so its
// length never exceeds the configured cap.
func (s *Store) SaveDLQ(ctx context.Context, entry entity.DLQEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := s.redis.LPush(ctx, keyDLQ, payload).Err(); err != nil {
		return err
	}

	maxEntries := s.cfg.DLQMaxEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if err := s.redis.LTrim(ctx, keyDLQ, 0, maxEntries-1).Err(); err != nil {
		s.logger.Warn("dlq trim failed", zap.Error(err))
	}

	s.mirrorDLQ(entry)
	return nil
}

func (s *Store) mirrorDLQ(entry entity.DLQEntry) {
	if s.db == nil {
		return
	}
	reqJSON, _ := json.Marshal(entry.Request)
	metaJSON, _ := json.Marshal(entry.RetryMetadata)
	record := models.DLQAuditRecord{
		RequestUID:     entry.Request.Email.UID,
		FinalErrorKind: entry.FinalErrorKind,
		TotalAttempts:  entry.RetryMetadata.TotalAttempts,
		RequestJSON:    string(reqJSON),
		MetadataJSON:   string(metaJSON),
		CreatedAt:      entry.Timestamp,
	}
	if err := s.db.Create(&record).Error; err != nil {
		s.logger.Warn("dlq audit mirror write failed", zap.Error(err))
	}
}

// GetDLQ returns up to limit entries, newest first.
func (s *Store) GetDLQ(ctx context.Context, limit int64) ([]entity.DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.redis.LRange(ctx, keyDLQ, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]entity.DLQEntry, 0, len(raw))
	for _, r := range raw {
		var entry entity.DLQEntry
		if err := json.Unmarshal([]byte(r), &entry); err != nil {
			s.logger.Warn("dlq entry decode failed", zap.Error(err))
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// GetRecent walks the time index newest-first (ZREVRANGE), hydrating
// each member.
func (s *Store) GetRecent(ctx context.Context, limit int64) ([]entity.TriageResult, error) {
	if limit <= 0 {
		limit = 20
	}
	uids, err := s.redis.ZRevRange(ctx, keyResultsIndex, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]entity.TriageResult, 0, len(uids))
	for _, uid := range uids {
		result, err := s.GetResult(ctx, uid)
		if err != nil || result == nil {
			continue
		}
		out = append(out, *result)
	}
	return out, nil
}

// Stats summarizes the store's current footprint.
type Stats struct {
	IndexSize int64
	DLQLength int64
	ResultTTL time.Duration
}

// GetStats reports index size, DLQ length, and the configured TTL.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	indexSize, err := s.redis.ZCard(ctx, keyResultsIndex).Result()
	if err != nil {
		return Stats{}, err
	}
	dlqLen, err := s.redis.LLen(ctx, keyDLQ).Result()
	if err != nil {
		return Stats{}, err
	}
	return Stats{IndexSize: indexSize, DLQLength: dlqLen, ResultTTL: s.cfg.ResultTTL}, nil
}
