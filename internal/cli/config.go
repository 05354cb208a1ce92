package cli

// ============================================================================
// 設定載入
// 職責：讀取 YAML 設定、套用 ESCROW_* 環境變數覆寫、初始化 slog
// ============================================================================

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/escrow-ledger/internal/controller"
	"github.com/ChuLiYu/escrow-ledger/internal/httpapi"
	"github.com/ChuLiYu/escrow-ledger/internal/metrics"
)

// Config escrowd 的完整設定，透過 YAML tag 對應設定檔欄位
type Config struct {
	Ledger struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"ledger"`

	WAL struct {
		Path            string `yaml:"path"`
		SyncOnAppend    bool   `yaml:"sync_on_append"`
		BufferSize      int    `yaml:"buffer_size"`
		CompressRotated bool   `yaml:"compress_rotated"`
	} `yaml:"wal"`

	Snapshot struct {
		Path            string `yaml:"path"`
		IntervalSeconds int    `yaml:"interval_seconds"`
		RetentionCount  int    `yaml:"retention_count"`
	} `yaml:"snapshot"`

	Events struct {
		Retention int `yaml:"retention"`
	} `yaml:"events"`

	HTTP struct {
		Enabled        bool     `yaml:"enabled"`
		Addr           string   `yaml:"addr"`
		NetworkName    string   `yaml:"network_name"`
		ChainID        string   `yaml:"chain_id"`
		DemoMode       bool     `yaml:"demo_mode"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		WriteRate      float64  `yaml:"write_rate"`
		WriteBurst     int      `yaml:"write_burst"`
	} `yaml:"http"`

	GRPC struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"grpc"`

	Metadata struct {
		Dir string `yaml:"dir"`
	} `yaml:"metadata"`

	Index struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"index"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

// DefaultConfig 回傳單機執行的預設設定
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Ledger.DataDir = "data"
	cfg.WAL.BufferSize = 64
	cfg.WAL.CompressRotated = true
	cfg.Snapshot.IntervalSeconds = 30
	cfg.Snapshot.RetentionCount = 3
	cfg.Events.Retention = 4096
	cfg.HTTP.Enabled = true
	cfg.HTTP.Addr = ":4000"
	cfg.HTTP.NetworkName = "local"
	cfg.HTTP.ChainID = "0x539"
	cfg.HTTP.WriteRate = 10
	cfg.HTTP.WriteBurst = 20
	cfg.GRPC.Enabled = true
	cfg.GRPC.Addr = ":50051"
	cfg.Index.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Log.Level = "info"
	return cfg
}

// loadConfig 讀取設定檔，未出現的欄位保留預設值
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config YAML")
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig 讀取設定檔，檔案不存在時使用預設值
func LoadConfig(path string) (*Config, error) {
	return loadConfigOrDefault(path, false)
}

// loadConfigOrDefault 預設路徑不存在時改用內建預設值，明確指定的路徑必須存在
func loadConfigOrDefault(path string, explicit bool) (*Config, error) {
	if _, err := os.Stat(path); err != nil && os.IsNotExist(err) && !explicit {
		log.Info("Config file not found, using defaults", "path", path)
		cfg := DefaultConfig()
		if err := cfg.applyEnv(os.LookupEnv); err != nil {
			return nil, err
		}
		cfg.resolvePaths()
		return cfg, cfg.Validate()
	}
	return loadConfig(path)
}

// applyEnv 套用 ESCROW_* 環境變數覆寫
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return errors.Wrapf(err, "invalid %s", key)
			}
			*dst = b
		}
		return nil
	}

	str("ESCROW_DATA_DIR", &c.Ledger.DataDir)
	str("ESCROW_WAL_PATH", &c.WAL.Path)
	str("ESCROW_SNAPSHOT_PATH", &c.Snapshot.Path)
	str("ESCROW_HTTP_ADDR", &c.HTTP.Addr)
	str("ESCROW_GRPC_ADDR", &c.GRPC.Addr)
	str("ESCROW_METADATA_DIR", &c.Metadata.Dir)
	str("ESCROW_INDEX_PATH", &c.Index.Path)
	str("ESCROW_NETWORK_NAME", &c.HTTP.NetworkName)
	str("ESCROW_LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("ESCROW_ALLOWED_ORIGINS"); ok && v != "" {
		c.HTTP.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.HTTP.AllowedOrigins = append(c.HTTP.AllowedOrigins, o)
			}
		}
	}
	if v, ok := lookup("ESCROW_METRICS_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "invalid ESCROW_METRICS_PORT")
		}
		c.Metrics.Port = port
	}
	if err := boolean("ESCROW_DEMO_MODE", &c.HTTP.DemoMode); err != nil {
		return err
	}
	return boolean("ESCROW_LOG_JSON", &c.Log.JSON)
}

// resolvePaths 未指定的檔案路徑放在 data_dir 底下
func (c *Config) resolvePaths() {
	def := func(dst *string, name string) {
		if *dst == "" {
			*dst = filepath.Join(c.Ledger.DataDir, name)
		}
	}
	def(&c.WAL.Path, "ledger.wal")
	def(&c.Snapshot.Path, "ledger.snapshot")
	def(&c.Metadata.Dir, "metadata")
	def(&c.Index.Path, "index.db")
}

// Validate 檢查設定值
func (c *Config) Validate() error {
	if c.WAL.Path == "" || c.Snapshot.Path == "" {
		return errors.New("wal.path and snapshot.path are required")
	}
	if c.Snapshot.IntervalSeconds < 0 {
		return errors.Newf("snapshot.interval_seconds must be >= 0, got %d", c.Snapshot.IntervalSeconds)
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return errors.New("http.addr is required when http is enabled")
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return errors.New("grpc.addr is required when grpc is enabled")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.Newf("metrics.port out of range: %d", c.Metrics.Port)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ControllerConfig 轉換成 Controller 設定
func (c *Config) ControllerConfig(m *metrics.Collector) controller.Config {
	return controller.Config{
		WALPath:          c.WAL.Path,
		SnapshotPath:     c.Snapshot.Path,
		SnapshotInterval: time.Duration(c.Snapshot.IntervalSeconds) * time.Second,
		SnapshotBackups:  c.Snapshot.RetentionCount,
		WALSyncOnAppend:  c.WAL.SyncOnAppend,
		WALBufferSize:    c.WAL.BufferSize,
		CompressRotated:  c.WAL.CompressRotated,
		EventRetention:   c.Events.Retention,
		Metrics:          m,
	}
}

// HTTPOptions 轉換成 HTTP API 選項
func (c *Config) HTTPOptions() httpapi.Options {
	return httpapi.Options{
		NetworkName:    c.HTTP.NetworkName,
		ChainID:        c.HTTP.ChainID,
		DemoMode:       c.HTTP.DemoMode,
		AllowedOrigins: c.HTTP.AllowedOrigins,
		WriteRate:      c.HTTP.WriteRate,
		WriteBurst:     c.HTTP.WriteBurst,
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, errors.Wrapf(err, "invalid log.level %q", s)
	}
	return level, nil
}

// flattenError 錯誤值只輸出訊息；文字格式會以 %+v 印出整段堆疊
func flattenError(_ []string, a slog.Attr) slog.Attr {
	if err, ok := a.Value.Any().(error); ok && a.Value.Kind() == slog.KindAny {
		return slog.String(a.Key, err.Error())
	}
	return a
}

// newLogger 依設定建立 slog.Logger
func newLogger(w io.Writer, level string, asJSON bool) (*slog.Logger, error) {
	lv, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lv, ReplaceAttr: flattenError}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
