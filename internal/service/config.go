// internal/service/config.go
package service

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// BrokerConfig holds the broker connection secrets and endpoints.
type BrokerConfig struct {
	AppID   string
	Token   string
	WSURL   string
	Symbol  string
}

// RiskConfig holds the guardian's tunable thresholds.
type RiskConfig struct {
	DailyCap               float64
	TrainDelta             float64
	TrainPauseMinutes      int
	CooldownMinutesCrossover int
	KillswitchThreshold    float64
	SessionStartUTCHour    int
	SessionEndUTCHour      int
	RiskFraction           float64
}

// StrategyConfig holds the fixed-size and TA tunables the engine reads.
type StrategyConfig struct {
	StakeAmount           float64
	Multiplier            float64
	TakeProfitMultiplier  float64
	StopLossMultiplier    float64
	TickLimit             int
	SqueezeThreshold      float64
	TakeProfitPoints      float64
	StopLossPoints        float64
}

// PersistenceConfig configures the optional Postgres trade sink.
type PersistenceConfig struct {
	Enabled         bool
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	MaxConnLifetime time.Duration
}

// BroadcastConfig configures the optional Redis pub/sub broadcaster.
type BroadcastConfig struct {
	Enabled      bool
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Config is the root configuration object bound by viper.
type Config struct {
	Broker      BrokerConfig
	Risk        RiskConfig
	Strategy    StrategyConfig
	Persistence PersistenceConfig
	Broadcast   BroadcastConfig
}

// GlobalConfig stores the loaded configuration as a package-level
// singleton for callers that don't thread *Config through.
var GlobalConfig Config

// LoadConfig loads an optional .env into the process environment, then
// reads config/config.yaml with viper, letting environment variables
// (APP_ID, DERIV_TOKEN, ...) override file values. Missing broker
// credentials are fatal.
func LoadConfig(configPath string) *Config {
	// .env is best-effort: most deployments inject env vars directly.
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)

	viper.SetDefault("Risk.DailyCap", 8.00)
	viper.SetDefault("Risk.TrainDelta", 4.0)
	viper.SetDefault("Risk.TrainPauseMinutes", 15)
	viper.SetDefault("Risk.CooldownMinutesCrossover", 5)
	viper.SetDefault("Risk.KillswitchThreshold", 0.045)
	viper.SetDefault("Risk.SessionStartUTCHour", 8)
	viper.SetDefault("Risk.SessionEndUTCHour", 21)
	viper.SetDefault("Risk.RiskFraction", 0.015)

	viper.SetDefault("Persistence.Enabled", false)
	viper.SetDefault("Persistence.SSLMode", "disable")
	viper.SetDefault("Persistence.MaxOpenConns", 10)
	viper.SetDefault("Persistence.MaxIdleConns", 5)
	viper.SetDefault("Persistence.MaxConnLifetime", 30*time.Minute)

	viper.SetDefault("Broadcast.Enabled", false)
	viper.SetDefault("Broadcast.PoolSize", 10)
	viper.SetDefault("Broadcast.DialTimeout", 5*time.Second)
	viper.SetDefault("Broadcast.WriteTimeout", 5*time.Second)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("Broker.AppID", "APP_ID")
	_ = viper.BindEnv("Broker.Token", "DERIV_TOKEN")
	_ = viper.BindEnv("Broker.Symbol", "SYMBOL")
	_ = viper.BindEnv("Strategy.StakeAmount", "STAKE_AMOUNT")
	_ = viper.BindEnv("Strategy.Multiplier", "MULTIPLIER")
	_ = viper.BindEnv("Strategy.TakeProfitMultiplier", "TAKE_PROFIT_MULTIPLIER")
	_ = viper.BindEnv("Strategy.StopLossMultiplier", "STOP_LOSS_MULTIPLIER")
	_ = viper.BindEnv("Strategy.TickLimit", "TICK_LIMIT")
	_ = viper.BindEnv("Strategy.SqueezeThreshold", "SQUEEZE_THRESHOLD")
	_ = viper.BindEnv("Risk.DailyCap", "DAILY_CAP")
	_ = viper.BindEnv("Risk.TrainDelta", "TRAIN_DELTA")
	_ = viper.BindEnv("Risk.TrainPauseMinutes", "TRAIN_PAUSE_MINUTES")
	_ = viper.BindEnv("Risk.CooldownMinutesCrossover", "COOLDOWN_MINUTES_CROSSOVER")
	_ = viper.BindEnv("Risk.KillswitchThreshold", "KILLSWITCH_THRESHOLD")
	_ = viper.BindEnv("Risk.SessionStartUTCHour", "SESSION_START_UTC_HOUR")
	_ = viper.BindEnv("Risk.SessionEndUTCHour", "SESSION_END_UTC_HOUR")
	_ = viper.BindEnv("Risk.RiskFraction", "RISK_FRACTION")

	_ = viper.BindEnv("Persistence.Enabled", "PERSISTENCE_ENABLED")
	_ = viper.BindEnv("Persistence.Host", "PG_HOST")
	_ = viper.BindEnv("Persistence.Port", "PG_PORT")
	_ = viper.BindEnv("Persistence.User", "PG_USER")
	_ = viper.BindEnv("Persistence.Password", "PG_PASSWORD")
	_ = viper.BindEnv("Persistence.DBName", "PG_DBNAME")

	_ = viper.BindEnv("Broadcast.Enabled", "BROADCAST_ENABLED")
	_ = viper.BindEnv("Broadcast.Host", "REDIS_HOST")
	_ = viper.BindEnv("Broadcast.Port", "REDIS_PORT")
	_ = viper.BindEnv("Broadcast.Password", "REDIS_PASSWORD")
	_ = viper.BindEnv("Broadcast.DB", "REDIS_DB")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config/config.yaml found, relying on defaults and env vars")
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	}

	if err := viper.Unmarshal(&GlobalConfig); err != nil {
		log.Fatalf("Unable to decode config into struct: %s", err)
	}

	if GlobalConfig.Broker.AppID == "" || GlobalConfig.Broker.Token == "" {
		log.Fatal("APP_ID and DERIV_TOKEN are required")
	}
	if GlobalConfig.Broker.Symbol == "" {
		GlobalConfig.Broker.Symbol = "R_100"
	}
	if GlobalConfig.Strategy.TickLimit == 0 {
		GlobalConfig.Strategy.TickLimit = 5
	}

	return &GlobalConfig
}

// MaintenanceWindow reports whether t (UTC) falls inside the weekly
// broker maintenance blackout: Sat 23:55 -> Sun 00:05.
func MaintenanceWindow(t time.Time) bool {
	t = t.UTC()
	wd := t.Weekday()
	hm := t.Hour()*60 + t.Minute()
	if wd == time.Saturday && hm >= 23*60+55 {
		return true
	}
	if wd == time.Sunday && hm < 5 {
		return true
	}
	return false
}
