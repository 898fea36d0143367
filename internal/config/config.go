package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 配置文件结构体
type Config struct {
	Version string `mapstructure:"version" yaml:"version"`

	Server struct {
		Port   int    `mapstructure:"port" yaml:"port"`
		Prefix string `mapstructure:"prefix" yaml:"prefix"`
	} `mapstructure:"server" yaml:"server"`

	Browser struct {
		Bin      string   `mapstructure:"bin" yaml:"bin"`
		Headless bool     `mapstructure:"headless" yaml:"headless"`
		KeepOpen bool     `mapstructure:"keep_open" yaml:"keep_open"`
		Flags    []string `mapstructure:"flags" yaml:"flags"`
	} `mapstructure:"browser" yaml:"browser"`

	Driver struct {
		Bin  string `mapstructure:"bin" yaml:"bin"`
		Host string `mapstructure:"host" yaml:"host"`
		Port int    `mapstructure:"port" yaml:"port"`
		W3C  bool   `mapstructure:"w3c" yaml:"w3c"`
	} `mapstructure:"driver" yaml:"driver"`

	Timeouts struct {
		Launch   time.Duration `mapstructure:"launch" yaml:"launch"`
		Forward  time.Duration `mapstructure:"forward" yaml:"forward"`
		Decision time.Duration `mapstructure:"decision" yaml:"decision"`
		Drain    time.Duration `mapstructure:"drain" yaml:"drain"`
		Seed     time.Duration `mapstructure:"seed" yaml:"seed"`
	} `mapstructure:"timeouts" yaml:"timeouts"`

	Sqlite struct {
		Dsn    string `mapstructure:"dsn" yaml:"dsn"`
		Prefix string `mapstructure:"prefix" yaml:"prefix"`
	} `mapstructure:"sqlite" yaml:"sqlite"`

	Log struct {
		Level  string   `mapstructure:"level" yaml:"level"`
		Writer []string `mapstructure:"writer" yaml:"writer"`
		File   string   `mapstructure:"file" yaml:"file"`
	} `mapstructure:"log" yaml:"log"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Server.Port = 1774
	c.Server.Prefix = "/wd/hub"
	c.Browser.Headless = true
	c.Driver.Bin = "chromedriver"
	c.Driver.Host = "127.0.0.1"
	c.Driver.Port = 9999
	c.Timeouts.Launch = 60 * time.Second
	c.Timeouts.Forward = 30 * time.Second
	c.Timeouts.Decision = 3 * time.Second
	c.Timeouts.Drain = 5 * time.Second
	c.Timeouts.Seed = 15 * time.Second
	c.Sqlite.Dsn = ":memory:"
	c.Sqlite.Prefix = "potemkin_"
	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}
	c.Log.File = "potemkin.log"
	return c
}

// SetDefaults 将默认配置注册到 viper，保证环境变量与配置文件可以覆盖每一项
func SetDefaults(v *viper.Viper) {
	d := NewConfig()
	v.SetDefault("version", d.Version)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.prefix", d.Server.Prefix)
	v.SetDefault("browser.bin", d.Browser.Bin)
	v.SetDefault("browser.headless", d.Browser.Headless)
	v.SetDefault("browser.keep_open", d.Browser.KeepOpen)
	v.SetDefault("browser.flags", d.Browser.Flags)
	v.SetDefault("driver.bin", d.Driver.Bin)
	v.SetDefault("driver.host", d.Driver.Host)
	v.SetDefault("driver.port", d.Driver.Port)
	v.SetDefault("driver.w3c", d.Driver.W3C)
	v.SetDefault("timeouts.launch", d.Timeouts.Launch)
	v.SetDefault("timeouts.forward", d.Timeouts.Forward)
	v.SetDefault("timeouts.decision", d.Timeouts.Decision)
	v.SetDefault("timeouts.drain", d.Timeouts.Drain)
	v.SetDefault("timeouts.seed", d.Timeouts.Seed)
	v.SetDefault("sqlite.dsn", d.Sqlite.Dsn)
	v.SetDefault("sqlite.prefix", d.Sqlite.Prefix)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.writer", d.Log.Writer)
	v.SetDefault("log.file", d.Log.File)
}

// Load 从 viper 读取配置，path 非空时先合并配置文件
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("POTEMKIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port 超出范围: %d", c.Server.Port))
	}
	if c.Driver.Port <= 0 || c.Driver.Port > 65535 {
		errs = append(errs, fmt.Errorf("driver.port 超出范围: %d", c.Driver.Port))
	}
	if !strings.HasPrefix(c.Server.Prefix, "/") {
		errs = append(errs, fmt.Errorf("server.prefix 必须以 / 开头: %q", c.Server.Prefix))
	}
	if c.Driver.Bin == "" {
		errs = append(errs, errors.New("driver.bin 不能为空"))
	}
	for name, d := range map[string]time.Duration{
		"launch":   c.Timeouts.Launch,
		"forward":  c.Timeouts.Forward,
		"decision": c.Timeouts.Decision,
		"drain":    c.Timeouts.Drain,
		"seed":     c.Timeouts.Seed,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s 必须大于 0", name))
		}
	}
	return errors.Join(errs...)
}

// DriverURL 返回驱动端点的基础地址
func (c *Config) DriverURL() string {
	return fmt.Sprintf("http://%s:%d", c.Driver.Host, c.Driver.Port)
}
