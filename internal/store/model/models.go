package model

import (
	"gorm.io/datatypes"
)

type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "done"
	RunStatusFailed  RunStatus = "failed"
)

// RunModel 是一次引擎运行（回测或实盘会话）的落库记录。
type RunModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	Mode          string         `gorm:"column:mode"` // backtest | live
	Symbol        string         `gorm:"column:symbol;index"`
	Timeframe     string         `gorm:"column:timeframe"`
	Status        RunStatus      `gorm:"column:status;index"`
	Message       string         `gorm:"column:message"`
	StartTS       int64          `gorm:"column:start_ts"`
	EndTS         int64          `gorm:"column:end_ts"`
	InitialEquity float64        `gorm:"column:initial_equity"`
	FinalEquity   float64        `gorm:"column:final_equity"`
	ConfigJSON    datatypes.JSON `gorm:"column:config_json;type:TEXT"`
	StatsJSON     datatypes.JSON `gorm:"column:stats_json;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (RunModel) TableName() string { return "runs" }

// BarActionModel 是引擎每根 K 线裁决结果的流水记录。
type BarActionModel struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement"`
	RunID         string         `gorm:"column:run_id;index:idx_bar_actions_run"`
	BarTS         int64          `gorm:"column:bar_ts;index:idx_bar_actions_run,priority:2"`
	State         string         `gorm:"column:state"`
	Action        string         `gorm:"column:action"`
	Equity        float64        `gorm:"column:equity"`
	SoftLock      bool           `gorm:"column:soft_lock"`
	ForcedLiq     bool           `gorm:"column:forced_liq"`
	DetailJSON    datatypes.JSON `gorm:"column:detail_json;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
}

func (BarActionModel) TableName() string { return "bar_actions" }
