package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"photobooth/internal/camera"
	"photobooth/internal/retry"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Camera  CameraConfig  `yaml:"camera"`
	Capture CaptureConfig `yaml:"capture"`
	Upload  UploadConfig  `yaml:"upload"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host" validate:"required"` // リッスンするホスト
	Port int    `yaml:"port"`                     // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"` // 書き込みタイムアウト

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig はAPIのレート制限。RequestsPerSecondが0なら無効
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	// Mock がtrueなら実機の代わりにテストパターンを流す
	Mock bool `yaml:"mock"`

	// Devices は向きごとのデバイスパス。空なら自動検出する
	Devices []CameraDevice `yaml:"devices" validate:"dive"`

	DefaultFacing camera.FacingMode `yaml:"default_facing" validate:"oneof=user environment"`
	FrameRate     int               `yaml:"frame_rate" validate:"gt=0,lte=60"`

	// Profiles は高解像度から順に試す候補
	Profiles []camera.Profile `yaml:"profiles" validate:"required,min=1,dive"`
	// StrictQuality がtrueなら1920x1080未満を受け付けない
	StrictQuality bool `yaml:"strict_quality"`

	ReadyTimeout time.Duration `yaml:"ready_timeout" validate:"gt=0"`
	Retry        retry.Policy  `yaml:"retry"`
}

// CameraDevice は個別カメラの設定
type CameraDevice struct {
	Facing camera.FacingMode `yaml:"facing" validate:"oneof=user environment"`
	Device string            `yaml:"device" validate:"required"` // デバイスパス (例: /dev/video0)
}

// CaptureConfig は撮影・合成の設定
type CaptureConfig struct {
	Width  int `yaml:"width" validate:"gt=0"`
	Height int `yaml:"height" validate:"gt=0"`

	DefaultOverlayURL string `yaml:"default_overlay_url" validate:"omitempty,url"`
	OverlayRequired   bool   `yaml:"overlay_required"`
	OverlayOrigin     string `yaml:"overlay_origin" validate:"omitempty,url"`
	OverlayMaxBytes   int64  `yaml:"overlay_max_bytes" validate:"gt=0"`

	PauseAfterCapture bool `yaml:"pause_after_capture"`
	GallerySize       int  `yaml:"gallery_size" validate:"gt=0"`
}

// UploadConfig は画像ホスティングの設定
type UploadConfig struct {
	// Provider はimgbbかmock
	Provider string        `yaml:"provider" validate:"oneof=imgbb mock"`
	APIKey   string        `yaml:"api_key"`
	URL      string        `yaml:"url" validate:"required,url"`
	MaxBytes int64         `yaml:"max_bytes" validate:"gt=0"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
}

// StoreConfig は保存先の設定
type StoreConfig struct {
	// Backend はmemoryかredis
	Backend string      `yaml:"backend" validate:"oneof=memory redis"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig はRedisの接続設定
type RedisConfig struct {
	Addr     string       `yaml:"addr"`
	Password string       `yaml:"password"`
	DB       int          `yaml:"db" validate:"gte=0"`
	Prefix   string       `yaml:"prefix"`
	Retry    retry.Policy `yaml:"retry"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 10,
				Burst:             20,
			},
		},
		Camera: CameraConfig{
			DefaultFacing: camera.FacingUser,
			FrameRate:     15,
			Profiles:      append([]camera.Profile(nil), camera.DefaultProfiles...),
			ReadyTimeout:  camera.DefaultReadyTimeout,
			Retry:         retry.DefaultPolicy(),
		},
		Capture: CaptureConfig{
			Width:           1080,
			Height:          1080,
			OverlayRequired: true,
			OverlayOrigin:   "http://localhost",
			OverlayMaxBytes: 20 << 20,
			GallerySize:     30,
		},
		Upload: UploadConfig{
			Provider: "imgbb",
			URL:      "https://api.imgbb.com/1/upload",
			MaxBytes: 10 << 20,
			Timeout:  30 * time.Second,
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "photobooth",
				Retry:  retry.DefaultPolicy(),
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は設定を読み込む
// PHOTOBOOTH_CONFIGが指定されていればそのYAMLファイルを読む
func Load() (*Config, error) {
	return LoadFile(os.Getenv("PHOTOBOOTH_CONFIG"))
}

// LoadFile はデフォルト値にYAMLファイルと環境変数を順に重ねて読み込む
// pathが空ならファイルは読まない
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Upload.APIKey = getEnvOrDefault("IMGBB_API_KEY", c.Upload.APIKey)
	c.Upload.URL = getEnvOrDefault("IMGBB_API_URL", c.Upload.URL)
	c.Store.Backend = getEnvOrDefault("STORE_BACKEND", c.Store.Backend)
	c.Store.Redis.Addr = getEnvOrDefault("REDIS_ADDR", c.Store.Redis.Addr)
	c.Capture.DefaultOverlayURL = getEnvOrDefault("DEFAULT_OVERLAY_URL", c.Capture.DefaultOverlayURL)
	c.Log.Level = strings.ToLower(getEnvOrDefault("LOG_LEVEL", c.Log.Level))

	// 単一デバイス指定はユーザー向きとして扱う
	if device := os.Getenv("CAMERA_DEVICE"); device != "" {
		c.Camera.Devices = []CameraDevice{{Facing: camera.FacingUser, Device: device}}
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	if err := validate.Struct(c); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			return fmt.Errorf("無効な設定 %s: %w", vErrs[0].Namespace(), err)
		}
		return err
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		return errors.New("store.redis.addrが設定されていません")
	}

	// 候補は高解像度から順に並んでいる必要がある
	for i := 1; i < len(c.Camera.Profiles); i++ {
		if c.Camera.Profiles[i].Pixels() > c.Camera.Profiles[i-1].Pixels() {
			return fmt.Errorf("解像度の候補は高い順に指定してください: %s の後に %s",
				c.Camera.Profiles[i-1], c.Camera.Profiles[i])
		}
	}

	if c.Camera.StrictQuality {
		top := c.Camera.Profiles[0]
		if top.Width < camera.StrictMinimum.Width || top.Height < camera.StrictMinimum.Height {
			return fmt.Errorf("strict_qualityでは %s 以上の候補が必要です", camera.StrictMinimum)
		}
	}

	seen := make(map[camera.FacingMode]bool)
	for _, d := range c.Camera.Devices {
		if seen[d.Facing] {
			return fmt.Errorf("カメラの向きが重複しています: %s", d.Facing)
		}
		seen[d.Facing] = true
	}

	return nil
}

// MinimumProfile はネゴシエーションで受け付ける最低解像度を返す
func (c *Config) MinimumProfile() camera.Profile {
	if c.Camera.StrictQuality {
		return camera.StrictMinimum
	}
	return camera.MinViable
}

// DeviceMap は向きからデバイスパスへの対応を返す
func (c *Config) DeviceMap() map[camera.FacingMode]string {
	m := make(map[camera.FacingMode]string, len(c.Camera.Devices))
	for _, d := range c.Camera.Devices {
		m[d.Facing] = d.Device
	}
	return m
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
