package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 从环境变量 / .env / config.yaml 读取
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Scheduler    SchedulerConfig
	Notify       NotifyConfig
	Reallocation ReallocationConfig
}

type ServerConfig struct {
	Port      string
	WebOrigin string
}

type DatabaseConfig struct {
	DSN      string
	Host     string
	User     string
	Password string
	Name     string
	Port     string
}

// RedisConfig: Addr 为空时不启用 redis（锁与去重退化为进程内）
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SchedulerConfig struct {
	Enabled bool
	// Timezone is used for the business-hours and digest cron specs.
	Timezone           string
	ReclaimSpec        string
	BusinessHoursSpec  string
	ExpiringSoonSpec   string
	DigestSpec         string
	ExpiringSoonWindow time.Duration
	PassLockTTL        time.Duration
	DedupeWarnings     bool
}

type NotifyConfig struct {
	MailDomain   string
	AdminAddress string
	// MatchStrictness: "contains" (default) or "exact" for function/operation matching.
	MatchStrictness string
	DirectoryURL    string
	SMTPHost        string
	SMTPPort        string
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
}

type ReallocationConfig struct {
	DefaultDepartment string
	DefaultFunction   string
	DefaultOperation  string
	AdminRoles        []string
}

// LoadEnv 读取 .env（不存在则忽略）
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using process environment")
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "3001")
	v.SetDefault("server.webOrigin", "http://localhost:5173")

	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "gages")
	v.SetDefault("database.port", "5432")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.timezone", "Local")
	v.SetDefault("scheduler.reclaimSpec", "@every 30m")
	v.SetDefault("scheduler.businessHoursSpec", "*/5 8-18 * * MON-FRI")
	v.SetDefault("scheduler.expiringSoonSpec", "*/15 * * * *")
	v.SetDefault("scheduler.digestSpec", "0 7 * * *")
	v.SetDefault("scheduler.expiringSoonWindow", "1h")
	v.SetDefault("scheduler.passLockTTL", "10m")
	v.SetDefault("scheduler.dedupeWarnings", true)

	v.SetDefault("notify.mailDomain", "example.com")
	v.SetDefault("notify.adminAddress", "gage-admin@example.com")
	v.SetDefault("notify.matchStrictness", "contains")
	v.SetDefault("notify.smtpPort", "587")

	v.SetDefault("reallocation.defaultDepartment", "QUALITY")
	v.SetDefault("reallocation.defaultFunction", "METROLOGY")
	v.SetDefault("reallocation.defaultOperation", "GAGE_CRIB")
	v.SetDefault("reallocation.adminRoles", []string{"ADMIN", "APPROVER"})
}

// Load builds the configuration with viper: defaults, then an optional
// config/config.yaml, then GAGE_* environment variables.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath("config")
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("GAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			WebOrigin: v.GetString("server.webOrigin"),
		},
		Database: DatabaseConfig{
			DSN:      v.GetString("database.dsn"),
			Host:     v.GetString("database.host"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			Name:     v.GetString("database.name"),
			Port:     v.GetString("database.port"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Scheduler: SchedulerConfig{
			Enabled:            v.GetBool("scheduler.enabled"),
			Timezone:           v.GetString("scheduler.timezone"),
			ReclaimSpec:        v.GetString("scheduler.reclaimSpec"),
			BusinessHoursSpec:  v.GetString("scheduler.businessHoursSpec"),
			ExpiringSoonSpec:   v.GetString("scheduler.expiringSoonSpec"),
			DigestSpec:         v.GetString("scheduler.digestSpec"),
			ExpiringSoonWindow: v.GetDuration("scheduler.expiringSoonWindow"),
			PassLockTTL:        v.GetDuration("scheduler.passLockTTL"),
			DedupeWarnings:     v.GetBool("scheduler.dedupeWarnings"),
		},
		Notify: NotifyConfig{
			MailDomain:      v.GetString("notify.mailDomain"),
			AdminAddress:    v.GetString("notify.adminAddress"),
			MatchStrictness: strings.ToLower(v.GetString("notify.matchStrictness")),
			DirectoryURL:    v.GetString("notify.directoryURL"),
			SMTPHost:        v.GetString("notify.smtpHost"),
			SMTPPort:        v.GetString("notify.smtpPort"),
			SMTPUsername:    v.GetString("notify.smtpUsername"),
			SMTPPassword:    v.GetString("notify.smtpPassword"),
			SMTPFrom:        v.GetString("notify.smtpFrom"),
		},
		Reallocation: ReallocationConfig{
			DefaultDepartment: v.GetString("reallocation.defaultDepartment"),
			DefaultFunction:   v.GetString("reallocation.defaultFunction"),
			DefaultOperation:  v.GetString("reallocation.defaultOperation"),
			AdminRoles:        splitCSV(v.GetStringSlice("reallocation.adminRoles")),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// env 中的列表是 "a,b,c"，viper 只会给出一个元素
func splitCSV(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if t := strings.ToUpper(strings.TrimSpace(p)); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

func (c Config) Validate() error {
	switch c.Notify.MatchStrictness {
	case "contains", "exact":
	default:
		return fmt.Errorf("notify.matchStrictness must be contains or exact, got %q", c.Notify.MatchStrictness)
	}
	if c.Scheduler.ExpiringSoonWindow <= 0 {
		return fmt.Errorf("scheduler.expiringSoonWindow must be positive")
	}
	if c.Scheduler.PassLockTTL <= 0 {
		return fmt.Errorf("scheduler.passLockTTL must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	return nil
}

// Location resolves the scheduler timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" || c.Scheduler.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

// PostgresDSN 优先使用完整 DSN
func (d DatabaseConfig) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		d.Host, d.User, d.Password, d.Name, d.Port,
	)
}

func (r ReallocationConfig) IsAdminRole(role string) bool {
	role = strings.ToUpper(strings.TrimSpace(role))
	for _, ar := range r.AdminRoles {
		if ar == role {
			return true
		}
	}
	return false
}
