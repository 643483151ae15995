// Package store 用 Gorm + SQLite 持久化引擎运行记录与每根 K 线的裁决流水。
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	storemodel "gridhelm/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type (
	RunModel       = storemodel.RunModel
	BarActionModel = storemodel.BarActionModel
	RunStatus      = storemodel.RunStatus
)

const (
	RunStatusPending = storemodel.RunStatusPending
	RunStatusRunning = storemodel.RunStatusRunning
	RunStatusDone    = storemodel.RunStatusDone
	RunStatusFailed  = storemodel.RunStatusFailed
)

var ErrRunNotFound = errors.New("run 不存在")

type Store struct {
	db *gorm.DB
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: 数据库路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&RunModel{}, &BarActionModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL：给 HTTP 读留一点并行度，同时压低锁竞争
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) InsertRun(ctx context.Context, run RunModel) error {
	now := time.Now().Unix()
	run.CreatedAtUnix = now
	run.UpdatedAtUnix = now
	if run.Status == "" {
		run.Status = storemodel.RunStatusPending
	}
	return s.db.WithContext(ctx).Create(&run).Error
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, message string) error {
	res := s.db.WithContext(ctx).Model(&RunModel{}).
		Where("id = ?", runID).
		Updates(map[string]any{
			"status":     status,
			"message":    message,
			"updated_at": time.Now().Unix(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// FinishRun 写入终态与统计。stats 任意可序列化结构。
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, finalEquity float64, stats any) error {
	updates := map[string]any{
		"status":       status,
		"final_equity": finalEquity,
		"updated_at":   time.Now().Unix(),
	}
	if stats != nil {
		raw, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("序列化统计失败: %w", err)
		}
		updates["stats_json"] = datatypes.JSON(raw)
	}
	res := s.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", runID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (RunModel, error) {
	var run RunModel
	err := s.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RunModel{}, ErrRunNotFound
	}
	return run, err
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunModel, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var runs []RunModel
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// AppendActions 批量写入一段裁决流水。
func (s *Store) AppendActions(ctx context.Context, actions []BarActionModel) error {
	if len(actions) == 0 {
		return nil
	}
	now := time.Now().Unix()
	for i := range actions {
		actions[i].CreatedAtUnix = now
	}
	return s.db.WithContext(ctx).CreateInBatches(actions, 200).Error
}

func (s *Store) ListActions(ctx context.Context, runID string, limit, offset int) ([]BarActionModel, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	var actions []BarActionModel
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("bar_ts ASC").
		Limit(limit).
		Offset(offset).
		Find(&actions).Error
	return actions, err
}

// EquityPoint 资金曲线上的一个点。
type EquityPoint struct {
	BarTS  int64
	Equity float64
}

func (s *Store) EquityCurve(ctx context.Context, runID string) ([]EquityPoint, error) {
	var points []EquityPoint
	err := s.db.WithContext(ctx).
		Model(&BarActionModel{}).
		Select("bar_ts, equity").
		Where("run_id = ?", runID).
		Order("bar_ts ASC").
		Scan(&points).Error
	return points, err
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
