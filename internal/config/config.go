package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser     string
	DBPassword string
	DBName     string
	DBHost     string
	DBPort     string
	// DBDSN overrides the postgres fields above; "sqlite://<path>" selects the
	// SQLite development database.
	DBDSN string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	Xui XuiConfig
	App AppConfig

	BotToken          string
	WebAppURL         string
	TelegramSuperuser int64

	Notifier NotifierConfig
}

type XuiConfig struct {
	Scheme           string
	Host             string
	Port             int
	SubscriptionPort int
	SecretPath       string
	Username         string
	Password         string
	SessionTTL       time.Duration
}

// URL is the panel base URL including the secret path.
func (x XuiConfig) URL() string {
	if x.Port != 0 {
		return fmt.Sprintf("%s://%s:%d%s", x.Scheme, x.Host, x.Port, x.SecretPath)
	}
	return fmt.Sprintf("%s://%s%s", x.Scheme, x.Host, x.SecretPath)
}

// SubscriptionURL is the base of per-client subscription links.
func (x XuiConfig) SubscriptionURL() string {
	return fmt.Sprintf("%s://%s:%d/sub", x.Scheme, x.Host, x.SubscriptionPort)
}

type AppConfig struct {
	Debug     bool
	Port      string
	JWTSecret string

	BaseLimitIP int
	BaseTotalGB int
	PromoDays   int
	ExpiryDays  int

	// Used when the "service" app_settings row has no value.
	MaxLimitIP int
	MaxTotalGB int
}

type NotifierConfig struct {
	Interval        time.Duration
	ExpiryLookahead time.Duration
	Retention       time.Duration
	BatchSize       int
	DefaultLang     string
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "postgres"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBDSN:         getEnv("DB_DSN", ""),
		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		Xui: XuiConfig{
			Scheme:           getEnv("XUI_SCHEME", "http"),
			Host:             getEnv("XUI_HOST", "localhost"),
			Port:             getEnvInt("XUI_PORT", 0),
			SubscriptionPort: getEnvInt("XUI_SUBSCRIPTION_PORT", 2096),
			SecretPath:       getEnv("XUI_SECRET_PATH", "/secret_path"),
			Username:         getEnv("XUI_USERNAME", "admin"),
			Password:         getEnv("XUI_PASSWORD", "admin"),
			SessionTTL:       time.Duration(getEnvInt("XUI_SESSION_TTL_SEC", 3600)) * time.Second,
		},
		App: AppConfig{
			Debug:       getEnvBool("APP_DEBUG", false),
			Port:        getEnv("APP_PORT", "8080"),
			JWTSecret:   getEnv("AUTH_JWT_MASTER_KEY", "secret_jwt_master_key"),
			BaseLimitIP: getEnvInt("APP_BASE_LIMIT_IP", 1),
			BaseTotalGB: getEnvInt("APP_BASE_TOTAL_GB", 100),
			PromoDays:   getEnvInt("APP_PROMO_DAYS", 7),
			ExpiryDays:  getEnvInt("APP_EXPIRY_DAYS", 30),
			MaxLimitIP:  getEnvInt("APP_MAX_LIMIT_IP_STARTUP_PARAM", 10),
			MaxTotalGB:  getEnvInt("APP_MAX_TOTAL_GB_STARTUP_PARAM", 1000),
		},
		BotToken:          getEnv("TELEGRAM_BOT_TOKEN", ""),
		WebAppURL:         getEnv("TELEGRAM_WEB_APP_URL", ""),
		TelegramSuperuser: int64(getEnvInt("TELEGRAM_SUPERUSER_ID", 0)),
		Notifier: NotifierConfig{
			Interval:        time.Duration(getEnvInt("NOTIFIER_PROCESS_PERIOD_SEC", 10)) * time.Second,
			ExpiryLookahead: time.Duration(getEnvInt("NOTIFIER_CONFIG_EXPIRY_NOTIF_HOURS", 2)) * time.Hour,
			Retention:       time.Duration(getEnvInt("NOTIFIER_CLEANUP_PERIOD_DAYS", 2)) * 24 * time.Hour,
			BatchSize:       getEnvInt("NOTIFIER_BATCH_SIZE", 100),
			DefaultLang:     getEnv("NOTIFIER_DEFAULT_LANG", "ru"),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Printf("Invalid integer for %s=%q, using %d", key, value, fallback)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
