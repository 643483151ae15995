// Package news 提供财经日历封锁过滤：日历文件里的高影响事件
// 会在事件前后一段时间内封锁播种与加仓动作。
package news

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gridhelm/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Event 是日历中的一条事件。
type Event struct {
	ID             string    `mapstructure:"id" yaml:"id"`
	Title          string    `mapstructure:"title" yaml:"title"`
	Currency       string    `mapstructure:"currency" yaml:"currency"`
	Impact         string    `mapstructure:"impact" yaml:"impact"` // low | medium | high
	At             time.Time `mapstructure:"at" yaml:"at"`
	BlockBeforeMin int       `mapstructure:"block_before_min" yaml:"block_before_min"`
	BlockAfterMin  int       `mapstructure:"block_after_min" yaml:"block_after_min"`
}

// Window 返回事件的封锁区间 [start, end]。
func (e Event) Window() (time.Time, time.Time) {
	return e.At.Add(-time.Duration(e.BlockBeforeMin) * time.Minute),
		e.At.Add(time.Duration(e.BlockAfterMin) * time.Minute)
}

// FileConfig 映射日历文件。
type FileConfig struct {
	Events []Event `mapstructure:"events" yaml:"events"`
}

// Snapshot 是当前生效的日历快照。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Events   []Event
}

// calendarSchema 约束日历文件的结构；加载时整体校验一次。
const calendarSchema = `{
  "type": "object",
  "required": ["events"],
  "properties": {
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["currency", "impact", "at"],
        "properties": {
          "id": {"type": "string"},
          "title": {"type": "string"},
          "currency": {"type": "string", "minLength": 3, "maxLength": 3},
          "impact": {"enum": ["low", "medium", "high"]},
          "at": {"type": "string"},
          "block_before_min": {"type": "integer", "minimum": 0},
          "block_after_min": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

// Calendar 加载日历文件并监听变更热重载。
type Calendar struct {
	path       string
	v          *viper.Viper
	currencies map[string]bool
	minImpact  int
	schema     *jsonschema.Schema

	mu       sync.RWMutex
	snapshot Snapshot
}

// NewCalendar 读取日历并开始监听。currencies 为空表示关注全部货币。
func NewCalendar(path string, currencies []string, minImpact string) (*Calendar, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("news calendar 需要文件路径")
	}
	schema, err := compileCalendarSchema()
	if err != nil {
		return nil, err
	}
	watch := make(map[string]bool, len(currencies))
	for _, cur := range currencies {
		cur = strings.ToUpper(strings.TrimSpace(cur))
		if cur != "" {
			watch[cur] = true
		}
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取日历文件失败: %w", err)
	}
	c := &Calendar{
		path:       path,
		v:          v,
		currencies: watch,
		minImpact:  impactRank(minImpact),
		schema:     schema,
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(fsnotify.Event) {
		if err := c.reload(); err != nil {
			logger.Errorf("日历重载失败: %v", err)
		}
	})
	v.WatchConfig()
	return c, nil
}

// Blocked 当前时刻落在任一关注事件的封锁区间内。
func (c *Calendar) Blocked(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.snapshot.Events {
		if impactRank(e.Impact) < c.minImpact {
			continue
		}
		if len(c.currencies) > 0 && !c.currencies[strings.ToUpper(e.Currency)] {
			continue
		}
		start, end := e.Window()
		if !now.Before(start) && !now.After(end) {
			return true
		}
	}
	return false
}

func (c *Calendar) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := c.snapshot
	snap.Events = append([]Event(nil), c.snapshot.Events...)
	return snap
}

func (c *Calendar) reload() error {
	cfg, err := readCalendarFile(c.path, c.schema)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.snapshot = Snapshot{
		Version:  c.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Events:   cfg.Events,
	}
	c.mu.Unlock()
	logger.Infof("日历加载 %d 条事件 (%s)", len(cfg.Events), filepath.Base(c.path))
	return nil
}

func impactRank(impact string) int {
	switch strings.ToLower(strings.TrimSpace(impact)) {
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}

func compileCalendarSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("calendar.json", strings.NewReader(calendarSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile("calendar.json")
}

func readCalendarFile(path string, schema *jsonschema.Schema) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("读取日历文件失败: %w", err)
	}
	// 先用泛型结构过一遍 schema，再做强类型解码
	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return FileConfig{}, fmt.Errorf("解析日历文件失败: %w", err)
	}
	if err := schema.Validate(normalizeForSchema(generic)); err != nil {
		return FileConfig{}, fmt.Errorf("日历文件不符合结构要求: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("解析日历文件失败: %w", err)
	}
	return cfg, nil
}

// normalizeForSchema 把 yaml 解码出的值转成 jsonschema 认识的形态。
func normalizeForSchema(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// Never 是常开的空过滤器：永远不封锁。
type Never struct{}

func (Never) Blocked(time.Time) bool { return false }
