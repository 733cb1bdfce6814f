package configure

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gwuhaolin/livesync/av"
	"github.com/gwuhaolin/livesync/playsync"
	"github.com/gwuhaolin/livesync/protocol/hls"

	"github.com/kr/pretty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

/*
{
  "stream_set": "local",
  "stream_sets": {
    "local": [
      {"id": 1, "name": "Stream 1", "url": "http://localhost:8000/stream1/stream1.m3u8"}
    ]
  },
  "sync": {"interval_ms": 300, "enabled": true}
}
*/

// Stream is one registry entry.
type Stream struct {
	ID   int    `mapstructure:"id" json:"id"`
	Name string `mapstructure:"name" json:"name"`
	URL  string `mapstructure:"url" json:"url"`
}

type Streams []Stream

type JWT struct {
	Secret    string `mapstructure:"secret" json:"secret"`
	Algorithm string `mapstructure:"algorithm" json:"algorithm"`
}

type SyncCfg struct {
	IntervalMs    int     `mapstructure:"interval_ms" json:"interval_ms"`
	HardThreshold float64 `mapstructure:"hard_threshold" json:"hard_threshold"`
	SoftThreshold float64 `mapstructure:"soft_threshold" json:"soft_threshold"`
	Gain          float64 `mapstructure:"gain" json:"gain"`
	MaxRateOffset float64 `mapstructure:"max_rate_offset" json:"max_rate_offset"`
	Enabled       bool    `mapstructure:"enabled" json:"enabled"`
}

type PlayerCfg struct {
	MinBuffer      float64 `mapstructure:"min_buffer" json:"min_buffer"`
	MaxBuffer      float64 `mapstructure:"max_buffer" json:"max_buffer"`
	PollIntervalMs int     `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
	HTTPTimeout    int     `mapstructure:"http_timeout" json:"http_timeout"`
}

type ServerCfg struct {
	Level      string             `mapstructure:"level" json:"level"`
	ConfigFile string             `mapstructure:"config_file" json:"config_file"`
	HLSEnable  bool               `mapstructure:"hls_enable" json:"hls_enable"`
	HLSAddr    string             `mapstructure:"hls_addr" json:"hls_addr"`
	HLSDir     string             `mapstructure:"hls_dir" json:"hls_dir"`
	APIAddr    string             `mapstructure:"api_addr" json:"api_addr"`
	RedisAddr  string             `mapstructure:"redis_addr" json:"redis_addr"`
	RedisPwd   string             `mapstructure:"redis_pwd" json:"redis_pwd"`
	Session    string             `mapstructure:"session" json:"session"`
	JWT        JWT                `mapstructure:"jwt" json:"jwt"`
	Sync       SyncCfg            `mapstructure:"sync" json:"sync"`
	Player     PlayerCfg          `mapstructure:"player" json:"player"`
	StreamSet  string             `mapstructure:"stream_set" json:"stream_set"`
	StreamSets map[string]Streams `mapstructure:"stream_sets" json:"stream_sets"`
}

func localStreams() Streams {
	s := make(Streams, 0, 5)
	for i := 1; i <= 5; i++ {
		s = append(s, Stream{
			ID:   i,
			Name: fmt.Sprintf("Stream %d", i),
			URL:  fmt.Sprintf("http://localhost:8000/stream%d/stream%d.m3u8", i, i),
		})
	}
	return s
}

// public demo streams, for running without a local packager
var remoteStreams = Streams{
	{ID: 1, Name: "Stream 1", URL: "https://test-streams.mux.dev/x36xhzz/x36xhzz.m3u8"},
	{ID: 2, Name: "Stream 2", URL: "https://cph-p2p-msl.akamaized.net/hls/live/2000341/test/master.m3u8"},
	{ID: 3, Name: "Stream 3", URL: "https://demo.unified-streaming.com/k8s/features/stable/video/tears-of-steel/tears-of-steel.ism/.m3u8"},
	{ID: 4, Name: "Stream 4", URL: "https://devstreaming-cdn.apple.com/videos/streaming/examples/bipbop_16x9/bipbop_16x9_variant.m3u8"},
	{ID: 5, Name: "Stream 5", URL: "https://mnmedias.api.telequebec.tv/m3u8/29880.m3u8"},
}

// default config
var defaultConf = ServerCfg{
	Level:      "info",
	ConfigFile: "livesync.yaml",
	HLSEnable:  true,
	HLSAddr:    ":8000",
	HLSDir:     "hls",
	APIAddr:    ":8090",
	Session:    "default",
	Sync: SyncCfg{
		IntervalMs:    300,
		HardThreshold: 0.5,
		SoftThreshold: 0.08,
		Gain:          0.5,
		MaxRateOffset: 0.08,
		Enabled:       true,
	},
	Player: PlayerCfg{
		MinBuffer:      0.1,
		MaxBuffer:      30,
		PollIntervalMs: 2000,
		HTTPTimeout:    10,
	},
	StreamSet: "local",
	StreamSets: map[string]Streams{
		"local":  localStreams(),
		"remote": remoteStreams,
	},
}

var Config = viper.New()

func initLog() {
	if l, err := log.ParseLevel(Config.GetString("level")); err == nil {
		log.SetLevel(l)
		log.SetReportCaller(l == log.DebugLevel)
	}
}

// Load builds Config from defaults, the config file, the environment and
// explicitly set command line flags, later sources winning.
func Load(args []string) error {
	Config = viper.New()

	// Default config
	// 기본 설정을 json 으로 직렬화해 viper 의 기본값 레이어에 넣는다.
	// 설정 파일, 환경 변수, 명시된 플래그가 순서대로 덮어쓴다.
	b, _ := json.Marshal(defaultConf)
	defaults := viper.New()
	defaults.SetConfigType("json")
	if err := defaults.ReadConfig(bytes.NewReader(b)); err != nil {
		return fmt.Errorf("default config: %w", err)
	}
	for k, v := range defaults.AllSettings() {
		Config.SetDefault(k, v)
	}

	// Flags
	flags := pflag.NewFlagSet("livesync", pflag.ContinueOnError)
	flags.String("config_file", defaultConf.ConfigFile, "configure filename")
	flags.String("level", defaultConf.Level, "Log level")
	flags.Bool("hls_enable", defaultConf.HLSEnable, "serve the hls directory")
	flags.String("hls_addr", defaultConf.HLSAddr, "HLS server listen address")
	flags.String("hls_dir", defaultConf.HLSDir, "directory with one sub directory per stream")
	flags.String("api_addr", defaultConf.APIAddr, "HTTP control interface listen address")
	flags.String("redis_addr", "", "redis address for sharing the master/enabled selection")
	flags.String("redis_pwd", "", "redis password")
	flags.String("session", defaultConf.Session, "name the selection is stored under")
	flags.String("stream_set", defaultConf.StreamSet, "which configured stream set to play")
	flags.Int("sync.interval_ms", defaultConf.Sync.IntervalMs, "sync tick interval in milliseconds")
	flags.Bool("sync.enabled", defaultConf.Sync.Enabled, "start with sync enabled")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if err := Config.BindPFlags(flags); err != nil {
		return err
	}

	// File
	Config.SetConfigFile(Config.GetString("config_file"))
	if err := Config.ReadInConfig(); err != nil {
		log.Warning(err)
		log.Info("Using default config")
	}

	// Environment
	// sync.interval_ms 는 SYNC_INTERVAL_MS 로 읽는다.
	replacer := strings.NewReplacer(".", "_")
	Config.SetEnvKeyReplacer(replacer)
	Config.AllowEmptyEnv(true)
	Config.AutomaticEnv()

	// Log
	initLog()

	c, err := Settings()
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	log.Debugf("Current configurations: \n%# v", pretty.Formatter(c))
	return nil
}

// Settings decodes the loaded configuration.
func Settings() (ServerCfg, error) {
	c := ServerCfg{}
	if err := Config.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

func (c ServerCfg) Validate() error {
	if c.Sync.IntervalMs < 10 {
		return fmt.Errorf("sync.interval_ms must be at least 10, got %d", c.Sync.IntervalMs)
	}
	if err := c.SyncConfig(0, true).Policy.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if c.Player.MinBuffer < 0 || c.Player.MaxBuffer <= c.Player.MinBuffer {
		return fmt.Errorf("player buffer bounds invalid: min %f, max %f", c.Player.MinBuffer, c.Player.MaxBuffer)
	}
	if c.Session == "" {
		return fmt.Errorf("session cannot be empty")
	}
	if _, err := c.Streams(); err != nil {
		return err
	}
	return nil
}

// Streams returns the selected stream set as av.Info, in configured order.
// 아이디 중복이나 url 누락은 기동 시점에 에러로 처리한다.
func (c ServerCfg) Streams() ([]av.Info, error) {
	set, ok := c.StreamSets[c.StreamSet]
	if !ok {
		return nil, fmt.Errorf("stream set %q not configured", c.StreamSet)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("stream set %q is empty", c.StreamSet)
	}
	infos := make([]av.Info, 0, len(set))
	seen := make(map[int]bool, len(set))
	for _, s := range set {
		if s.URL == "" {
			return nil, fmt.Errorf("stream %d in set %q has no url", s.ID, c.StreamSet)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate stream id %d in set %q", s.ID, c.StreamSet)
		}
		seen[s.ID] = true
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("Stream %d", s.ID)
		}
		infos = append(infos, av.Info{ID: s.ID, Name: name, URL: s.URL})
	}
	return infos, nil
}

// SyncConfig is the controller configuration for a session starting with
// master as its reference stream.
func (c ServerCfg) SyncConfig(master int, enabled bool) playsync.Config {
	return playsync.Config{
		Interval: c.Sync.Interval(),
		Policy: playsync.Policy{
			HardThreshold: c.Sync.HardThreshold,
			SoftThreshold: c.Sync.SoftThreshold,
			Gain:          c.Sync.Gain,
			MaxRateOffset: c.Sync.MaxRateOffset,
		},
		Master:   master,
		Disabled: !enabled,
	}
}

func (c ServerCfg) PlayerOptions() hls.PlayerOptions {
	return hls.PlayerOptions{
		MinBuffer:    c.Player.MinBuffer,
		MaxBuffer:    c.Player.MaxBuffer,
		PollInterval: c.Player.PollInterval(),
		Client:       &http.Client{Timeout: c.Player.Timeout()},
	}
}

func (c SyncCfg) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

func (c PlayerCfg) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c PlayerCfg) Timeout() time.Duration {
	return time.Duration(c.HTTPTimeout) * time.Second
}
