package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type WarehouseConfig struct {
	// Backend is "local", "s3" or "gcs".
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	TableName string `mapstructure:"table_name"`

	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	MaxTaskRetries int           `mapstructure:"max_task_retries"`
	TaskTimeLimit  time.Duration `mapstructure:"task_time_limit"`
	TaskSoftLimit  time.Duration `mapstructure:"task_soft_limit"`
}

type DispatchConfig struct {
	TargetShardSize int    `mapstructure:"target_shard_size"`
	QueryColumn     string `mapstructure:"query_column"`
	FromDialect     string `mapstructure:"from_dialect"`
	ToDialect       string `mapstructure:"to_dialect"`
}

type TranspilerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type Config struct {
	CatalogURL string           `mapstructure:"catalog_url"`
	ServerPort string           `mapstructure:"server_port"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Warehouse  WarehouseConfig  `mapstructure:"warehouse"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Transpiler TranspilerConfig `mapstructure:"transpiler"`
}

// Load reads the configuration from a YAML file and returns a Config instance.
func Load() *Config {
	v := viper.New()

	// Look for config in the current directory and ./config
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.AddConfigPath("./config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		log.Fatalf("Error unmarshalling config: %v", err)
	}

	// Fallback defaults
	if config.ServerPort == "" {
		config.ServerPort = "8080"
	}
	if config.Redis.Addr == "" {
		config.Redis.Addr = "localhost:6379"
	}
	if config.CatalogURL == "" {
		log.Fatal("Catalog URL must be set in the config file")
	}

	if config.Warehouse.TableName == "" {
		config.Warehouse.TableName = "batch_statistics"
	}
	if config.Warehouse.Backend == "" {
		config.Warehouse.Backend = "local"
	}
	if config.Warehouse.LockTimeout == 0 {
		config.Warehouse.LockTimeout = 60 * time.Second
	}
	if config.Warehouse.MaxRetries == 0 {
		config.Warehouse.MaxRetries = 5
	}
	if config.Warehouse.RetryBaseDelay == 0 {
		config.Warehouse.RetryBaseDelay = 10 * time.Second
	}

	if config.Worker.Concurrency == 0 {
		config.Worker.Concurrency = 4
	}
	if config.Worker.MaxTaskRetries == 0 {
		config.Worker.MaxTaskRetries = 3
	}
	if config.Worker.TaskTimeLimit == 0 {
		config.Worker.TaskTimeLimit = time.Hour
	}
	if config.Worker.TaskSoftLimit == 0 {
		config.Worker.TaskSoftLimit = 55 * time.Minute
	}

	if config.Dispatch.TargetShardSize == 0 {
		config.Dispatch.TargetShardSize = 10000
	}
	if config.Dispatch.QueryColumn == "" {
		config.Dispatch.QueryColumn = "hashed_query"
	}
	if config.Dispatch.ToDialect == "" {
		config.Dispatch.ToDialect = "e6"
	}

	if config.Transpiler.BaseURL == "" {
		config.Transpiler.BaseURL = "http://localhost:8081"
	}
	if config.Transpiler.RequestTimeout == 0 {
		config.Transpiler.RequestTimeout = 2 * time.Minute
	}

	return &config
}
