package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Game     GameConfig     `mapstructure:"game"`
}

type ServerConfig struct {
	HTTPAddress    string `mapstructure:"http_address"`
	RPCAddress     string `mapstructure:"rpc_address"`
	MetricsAddress string `mapstructure:"metrics_address"`
}

type DatabaseConfig struct {
	// Driver 选择存储实现: "gorm" 或 "pq"
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// GameConfig 游戏规则配置
type GameConfig struct {
	GridSize              int         `mapstructure:"grid_size"`
	WallBudgets           map[int]int `mapstructure:"wall_budgets"`
	TransactionRetries    int         `mapstructure:"transaction_retries"`
	TransactionDeadlineMs int         `mapstructure:"transaction_deadline_ms"`
	MatchIdleTimeoutMins  int         `mapstructure:"match_idle_timeout_mins"`
}

// WallBudget returns the wall count a maze of the given grid size must
// carry. Unknown sizes fall back to the budget of the configured size.
func (g GameConfig) WallBudget(gridSize int) int {
	if budget, ok := g.WallBudgets[gridSize]; ok {
		return budget
	}
	return g.WallBudgets[g.GridSize]
}

// TransactionDeadline 事务超时时间
func (g GameConfig) TransactionDeadline() time.Duration {
	return time.Duration(g.TransactionDeadlineMs) * time.Millisecond
}

// MatchIdleTimeout 比赛闲置超时时间
func (g GameConfig) MatchIdleTimeout() time.Duration {
	return time.Duration(g.MatchIdleTimeoutMins) * time.Minute
}

func LoadConfig(path string) (config *Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()

	setDefaults()

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}

func setDefaults() {
	viper.SetDefault("server.http_address", ":8080")
	viper.SetDefault("server.rpc_address", ":8081")
	viper.SetDefault("server.metrics_address", ":9090")
	viper.SetDefault("database.driver", "gorm")
	viper.SetDefault("game.grid_size", 5)
	viper.SetDefault("game.wall_budgets", map[int]int{5: 8, 9: 20})
	viper.SetDefault("game.transaction_retries", 3)
	viper.SetDefault("game.transaction_deadline_ms", 2000)
	viper.SetDefault("game.match_idle_timeout_mins", 30)
}
