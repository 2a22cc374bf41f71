package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/codai-ecosystem/memorai-go/types"
)

// SqliteConfig configures the single-file durable backend.
type SqliteConfig struct {
	Path       string `yaml:"path" json:"path"` // ":memory:" for tests
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
}

// pointRow is the gorm model backing the sqlite index. Filterable
// attributes are mirrored into columns so the common prefilters run in SQL;
// the vector and the full payload ride along as blobs.
type pointRow struct {
	ID        string `gorm:"primaryKey;column:id"`
	TenantID  string `gorm:"column:tenant_id;index:idx_scope"`
	AgentID   string `gorm:"column:agent_id;index:idx_scope"`
	Kind      string `gorm:"column:kind;index"`
	CreatedAt int64  `gorm:"column:created_at"`
	ExpiresAt *int64 `gorm:"column:expires_at"`
	Vector    []byte `gorm:"column:vector"`
	Payload   []byte `gorm:"column:payload"`
}

func (pointRow) TableName() string { return "memory_points" }

// SqliteIndex implements Index over a single sqlite file: SQL prefilters
// narrow the candidate set, cosine scoring runs in process. Suited to
// single-node deployments that want durability without a vector server.
type SqliteIndex struct {
	db     *gorm.DB
	dim    int
	logger *zap.Logger
}

// NewSqliteIndex opens (and migrates) the sqlite-backed index.
func NewSqliteIndex(cfg SqliteConfig, logger *zap.Logger) (*SqliteIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		cfg.Path = "memorai.db"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite index: %w", err)
	}
	if err := db.AutoMigrate(&pointRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite index: %w", err)
	}

	return &SqliteIndex{
		db:     db,
		dim:    cfg.Dimensions,
		logger: logger.With(zap.String("component", "sqlite_index")),
	}, nil
}

// Dimensions returns the fixed collection dimension.
func (s *SqliteIndex) Dimensions() int { return s.dim }

// Upsert stores points, atomic per point.
func (s *SqliteIndex) Upsert(ctx context.Context, points []Point) error {
	for _, p := range points {
		if err := ValidatePoint(p, s.dim); err != nil {
			return err
		}
	}

	for _, p := range points {
		row, err := toRow(p)
		if err != nil {
			return err
		}
		err = s.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
			Create(row).Error
		if err != nil {
			return types.NewError(types.ErrUnavailable, "sqlite upsert failed").WithCause(err)
		}
	}
	return nil
}

// DeleteByID removes a single point.
func (s *SqliteIndex) DeleteByID(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&pointRow{}, "id = ?", id).Error; err != nil {
		return types.NewError(types.ErrUnavailable, "sqlite delete failed").WithCause(err)
	}
	return nil
}

// SetPayload merges patch into an existing point's payload.
func (s *SqliteIndex) SetPayload(ctx context.Context, id string, patch map[string]any) error {
	var row pointRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return types.NewError(types.ErrUnavailable, "sqlite read failed").WithCause(err)
	}

	p, err := fromRow(row)
	if err != nil {
		return err
	}
	for k, v := range patch {
		p.Payload[k] = v
	}
	updated, err := toRow(p)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(updated).Error
	if err != nil {
		return types.NewError(types.ErrUnavailable, "sqlite update failed").WithCause(err)
	}
	return nil
}

// DeleteByFilter removes all points matching the filter.
func (s *SqliteIndex) DeleteByFilter(ctx context.Context, f Filter) (int, error) {
	rows, err := s.fetch(ctx, f)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, r := range rows {
		if err := s.DeleteByID(ctx, r.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Query returns the k nearest points under the filter.
func (s *SqliteIndex) Query(ctx context.Context, vector []float32, k int, f Filter) ([]QueryResult, error) {
	if k <= 0 {
		return []QueryResult{}, nil
	}
	if len(vector) != s.dim {
		return nil, types.NewError(types.ErrSchemaMismatch, "vector dimension mismatch").
			WithCause(dimError(len(vector), s.dim))
	}

	rows, err := s.fetch(ctx, f)
	if err != nil {
		return nil, err
	}

	results := make([]QueryResult, 0, len(rows))
	for _, r := range rows {
		p, err := fromRow(r)
		if err != nil {
			s.logger.Warn("skipping unreadable row", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		if !MatchPayload(p.Payload, f) { // tags + remaining clauses
			continue
		}
		results = append(results, QueryResult{
			ID:      p.ID,
			Score:   CosineScore(vector, p.Vector),
			Payload: p.Payload,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// List pages through matching points in id order.
func (s *SqliteIndex) List(ctx context.Context, f Filter, cursor string, limit int) ([]Point, string, error) {
	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 100
	}

	q := s.scopeQuery(ctx, f).Order("id ASC").Limit(limit + 1)
	if after != "" {
		q = q.Where("id > ?", after)
	}
	var rows []pointRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, "", types.NewError(types.ErrUnavailable, "sqlite list failed").WithCause(err)
	}

	more := len(rows) > limit
	if more {
		rows = rows[:limit]
	}
	page := make([]Point, 0, len(rows))
	for _, r := range rows {
		p, err := fromRow(r)
		if err != nil {
			continue
		}
		if !MatchPayload(p.Payload, f) {
			continue
		}
		page = append(page, p)
	}

	next := ""
	if more && len(rows) > 0 {
		next = encodeCursor(rows[len(rows)-1].ID)
	}
	return page, next, nil
}

// Count returns the number of matching points.
func (s *SqliteIndex) Count(ctx context.Context, f Filter) (int64, error) {
	if len(f.TagsAll) > 0 {
		// Tag superset needs the payload; fall back to a scan.
		rows, err := s.fetch(ctx, f)
		if err != nil {
			return 0, err
		}
		var n int64
		for _, r := range rows {
			p, err := fromRow(r)
			if err != nil {
				continue
			}
			if MatchPayload(p.Payload, f) {
				n++
			}
		}
		return n, nil
	}

	var n int64
	if err := s.scopeQuery(ctx, f).Model(&pointRow{}).Count(&n).Error; err != nil {
		return 0, types.NewError(types.ErrUnavailable, "sqlite count failed").WithCause(err)
	}
	return n, nil
}

// scopeQuery applies the SQL-expressible filter clauses.
func (s *SqliteIndex) scopeQuery(ctx context.Context, f Filter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&pointRow{})
	if len(f.IDs) > 0 {
		q = q.Where("id IN ?", f.IDs)
	}
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if len(f.Kinds) > 0 {
		q = q.Where("kind IN ?", f.Kinds)
	}
	if !f.CreatedAfter.IsZero() {
		q = q.Where("created_at >= ?", f.CreatedAfter.Unix())
	}
	if !f.CreatedUntil.IsZero() {
		q = q.Where("created_at <= ?", f.CreatedUntil.Unix())
	}
	if !f.VisibleAt.IsZero() {
		q = q.Where("expires_at IS NULL OR expires_at > ?", f.VisibleAt.Unix())
	}
	return q
}

func (s *SqliteIndex) fetch(ctx context.Context, f Filter) ([]pointRow, error) {
	var rows []pointRow
	if err := s.scopeQuery(ctx, f).Find(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrUnavailable, "sqlite query failed").WithCause(err)
	}
	return rows, nil
}

func toRow(p Point) (*pointRow, error) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	row := &pointRow{
		ID:        p.ID,
		TenantID:  stringAttr(p.Payload, KeyTenantID),
		AgentID:   stringAttr(p.Payload, KeyAgentID),
		Kind:      stringAttr(p.Payload, KeyKind),
		CreatedAt: int64(numberAttr(p.Payload, KeyCreatedAt)),
		Vector:    encodeVector(p.Vector),
		Payload:   payload,
	}
	if exp, ok := toNumber(p.Payload[KeyExpiresAt]); ok {
		e := int64(exp)
		row.ExpiresAt = &e
	}
	return row, nil
}

func fromRow(r pointRow) (Point, error) {
	var payload map[string]any
	if err := json.Unmarshal(r.Payload, &payload); err != nil {
		return Point{}, err
	}
	return Point{ID: r.ID, Vector: decodeVector(r.Vector), Payload: payload}, nil
}

// encodeVector serializes float32 little-endian; sqlite stores it as a blob.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
