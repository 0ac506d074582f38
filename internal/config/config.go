package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Trade      TradeConfig      `mapstructure:"trade"`
	Sniper     SniperConfig     `mapstructure:"sniper"`
	Detection  DetectionConfig  `mapstructure:"detection"`
	Automation AutomationConfig `mapstructure:"automation"`
	Vision     VisionConfig     `mapstructure:"vision"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// TradeConfig covers the marketplace endpoints and the session credential.
// The session id is supplied by the operator and never written to disk.
type TradeConfig struct {
	Host      string `mapstructure:"host"`
	League    string `mapstructure:"league"`
	SessionID string `mapstructure:"session_id"`
}

type SniperConfig struct {
	MaxConnections    int           `mapstructure:"max_connections"`
	ConnectSpacingMin time.Duration `mapstructure:"connect_spacing_min"`
	ConnectSpacingMax time.Duration `mapstructure:"connect_spacing_max"`
	RESTSpacing       time.Duration `mapstructure:"rest_spacing"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	CoalesceDelay     time.Duration `mapstructure:"coalesce_delay"`
	ReconnectDelayMin time.Duration `mapstructure:"reconnect_delay_min"`
	ReconnectDelayMax time.Duration `mapstructure:"reconnect_delay_max"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
	RetryBase         time.Duration `mapstructure:"retry_base"`
	MaxRetries        int           `mapstructure:"max_retries"`
	TravelCooldown    time.Duration `mapstructure:"travel_cooldown"`
}

type DetectionConfig struct {
	RegionX             int     `mapstructure:"region_x"`
	RegionY             int     `mapstructure:"region_y"`
	RegionWidth         int     `mapstructure:"region_width"`
	RegionHeight        int     `mapstructure:"region_height"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
}

type AutomationConfig struct {
	AutoPurchase     bool          `mapstructure:"auto_purchase"`
	ClickModifiers   []string      `mapstructure:"click_modifiers"`
	MouseMovement    string        `mapstructure:"mouse_movement"`
	RefreshKey       string        `mapstructure:"refresh_key"`
	TravelTimeout    time.Duration `mapstructure:"travel_timeout"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	DetectionTimeout time.Duration `mapstructure:"detection_timeout"`
	PostPurchaseWait time.Duration `mapstructure:"post_purchase_wait"`
}

type VisionConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

func Load() (*Config, error) {
	// Set default values
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("mysql.dsn", "sniper_user:sniper_pass@tcp(localhost:3306)/sniper_db?parseTime=true")
	viper.SetDefault("mysql.max_open_conns", 25)
	viper.SetDefault("mysql.max_idle_conns", 10)
	viper.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)
	viper.SetDefault("trade.host", "www.pathofexile.com")
	viper.SetDefault("trade.league", "Standard")
	viper.SetDefault("trade.session_id", "")
	viper.SetDefault("sniper.max_connections", 20)
	viper.SetDefault("sniper.connect_spacing_min", 2200*time.Millisecond)
	viper.SetDefault("sniper.connect_spacing_max", 2500*time.Millisecond)
	viper.SetDefault("sniper.rest_spacing", 1500*time.Millisecond)
	viper.SetDefault("sniper.heartbeat_timeout", 31*time.Second)
	viper.SetDefault("sniper.coalesce_delay", 200*time.Millisecond)
	viper.SetDefault("sniper.reconnect_delay_min", 2*time.Second)
	viper.SetDefault("sniper.reconnect_delay_max", 3*time.Second)
	viper.SetDefault("sniper.max_reconnects", 5)
	viper.SetDefault("sniper.retry_base", 2*time.Second)
	viper.SetDefault("sniper.max_retries", 3)
	viper.SetDefault("sniper.travel_cooldown", 10*time.Second)
	viper.SetDefault("detection.region_x", 0)
	viper.SetDefault("detection.region_y", 0)
	viper.SetDefault("detection.region_width", 800)
	viper.SetDefault("detection.region_height", 600)
	viper.SetDefault("detection.confidence_threshold", 0.4)
	viper.SetDefault("automation.auto_purchase", false)
	viper.SetDefault("automation.click_modifiers", []string{"ctrl"})
	viper.SetDefault("automation.mouse_movement", "natural")
	viper.SetDefault("automation.refresh_key", "f5")
	viper.SetDefault("automation.travel_timeout", 10*time.Second)
	viper.SetDefault("automation.settle_delay", 2*time.Second)
	viper.SetDefault("automation.detection_timeout", 15*time.Second)
	viper.SetDefault("automation.post_purchase_wait", 1*time.Second)
	viper.SetDefault("vision.command", "python3")
	viper.SetDefault("vision.args", []string{"cv_detection.py"})

	// Configuration file settings
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/trade-sniper/")

	// Environment variable support
	viper.AutomaticEnv()

	// Environment variable mappings
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.host", "SERVER_HOST")
	viper.BindEnv("redis.address", "REDIS_ADDRESS")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("mysql.dsn", "MYSQL_DSN")
	viper.BindEnv("trade.host", "TRADE_HOST")
	viper.BindEnv("trade.league", "TRADE_LEAGUE")
	viper.BindEnv("trade.session_id", "TRADE_SESSION_ID")
	viper.BindEnv("sniper.max_connections", "SNIPER_MAX_CONNECTIONS")
	viper.BindEnv("sniper.travel_cooldown", "SNIPER_TRAVEL_COOLDOWN")
	viper.BindEnv("automation.auto_purchase", "AUTOMATION_AUTO_PURCHASE")
	viper.BindEnv("vision.command", "VISION_COMMAND")

	// Read configuration file (optional - will use defaults/env vars if not found)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found, continue with defaults and environment variables
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// GetConfigString returns a formatted string representation of the config
func (c *Config) GetConfigString() string {
	return fmt.Sprintf(
		"Server: %s:%d, Redis: %s, League: %s, MaxConnections: %d",
		c.Server.Host,
		c.Server.Port,
		c.Redis.Address,
		c.Trade.League,
		c.Sniper.MaxConnections,
	)
}
