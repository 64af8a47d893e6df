package config

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Reward   RewardConfig   `mapstructure:"reward"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	CoinResult   string `mapstructure:"coin_result"`
	OrderTimeout string `mapstructure:"order_timeout"`
}

// RewardConfig 奖励策略配置
// 日历日按 Timezone 指定的时区切分，默认 UTC
type RewardConfig struct {
	RegisterBonus int64  `mapstructure:"register_bonus"`
	CheckInBonus  int64  `mapstructure:"checkin_bonus"`
	CheckInExp    int64  `mapstructure:"checkin_exp"`
	PromoBonus    int64  `mapstructure:"promo_bonus"`
	PromoExp      int64  `mapstructure:"promo_exp"`
	Timezone      string `mapstructure:"timezone"`
}

// Location 解析奖励时区，解析失败回退到 UTC
func (r *RewardConfig) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		logrus.WithField("timezone", r.Timezone).Warn("奖励时区解析失败，回退到 UTC")
		return time.UTC
	}
	return loc
}

type BusinessConfig struct {
	OrderTimeoutMinutes int `mapstructure:"order_timeout_minutes"`
	MaxRetryCount       int `mapstructure:"max_retry_count"`  // outbox 消息最大重试次数
	ReadRetries         int `mapstructure:"read_retries"`     // 只读操作的瞬时故障重试次数
	SpendRetries        int `mapstructure:"spend_retries"`    // 扣费乐观锁冲突重试次数
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		logrus.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		logrus.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}

// Default 返回一份带默认奖励参数的配置，测试用
func Default() *Config {
	setDefaults()
	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		logrus.Fatalf("解析默认配置失败: %v", err)
	}
	return config
}

func setDefaults() {
	viper.SetDefault("reward.register_bonus", 50)
	viper.SetDefault("reward.checkin_bonus", 10)
	viper.SetDefault("reward.checkin_exp", 5)
	viper.SetDefault("reward.promo_bonus", 5)
	viper.SetDefault("reward.promo_exp", 2)
	viper.SetDefault("reward.timezone", "UTC")
	viper.SetDefault("business.order_timeout_minutes", 15)
	viper.SetDefault("business.max_retry_count", 5)
	viper.SetDefault("business.read_retries", 2)
	viper.SetDefault("business.spend_retries", 3)
}
