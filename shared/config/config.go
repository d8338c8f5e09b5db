package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env                 string
	ServiceName         string
	HTTPPort            int
	LogLevel            string
	ConfigPath          string
	RequestTimeoutMS    int
	RequestTimeout      time.Duration
	OIDCIssuer          string
	OIDCAudience        string
	OIDCJWKSURL         string
	JWKSTTLSeconds      int
	JWTClockSkewSec     int
	DatabaseURL         string
	DBMaxConns          int
	DBMinConns          int
	DBConnMaxIdleSec    int
	DBConnMaxLifeSec    int
	KafkaBrokers        []string
	KafkaClientID       string
	KafkaGroupID        string
	KafkaRetryMax       int
	KafkaWriteMS        int
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	AsynqRedisAddr      string
	AsynqRedisPass      string
	AsynqRedisDB        int
	AsynqConcurrency    int
	QueueCapacity       int
	QueueFullMessage    string
	AssignCheckDelayMS  int
	AssignCheckDelay    time.Duration
	AssignRecheckMax    int
	AutoCloseTimeoutSec int
	AutoCloseMsgEnabled bool
	AutoCloseMsgText    string
	AutoCloseSweepSec   int
	AutoCloseBatchSize  int
	AutoCloseLockTTLSec int
	InfluxURL           string
	InfluxToken         string
	InfluxOrg           string
	InfluxBucket        string
	InfluxTimeoutMS     int
	OtelEnabled         bool
	OtelEndpoint        string
	OtelInsecure        bool
	OtelSampleRatio     float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                 envRaw,
		ServiceName:         serviceNameDefault,
		HTTPPort:            httpPortDefault,
		LogLevel:            "info",
		ConfigPath:          strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:    30000,
		OIDCIssuer:          strings.TrimSpace(os.Getenv("OIDC_ISSUER")),
		OIDCAudience:        strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
		OIDCJWKSURL:         strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")),
		JWKSTTLSeconds:      300,
		JWTClockSkewSec:     60,
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:          10,
		DBMinConns:          1,
		DBConnMaxIdleSec:    300,
		DBConnMaxLifeSec:    1800,
		KafkaBrokers:        nil,
		KafkaClientID:       "",
		KafkaGroupID:        "",
		KafkaRetryMax:       5,
		KafkaWriteMS:        5000,
		RedisAddr:           "",
		RedisPassword:       "",
		RedisDB:             0,
		AsynqRedisAddr:      "",
		AsynqRedisPass:      "",
		AsynqRedisDB:        0,
		AsynqConcurrency:    10,
		QueueCapacity:       0,
		QueueFullMessage:    "All of our operators are busy right now. Please try again later.",
		AssignCheckDelayMS:  2000,
		AssignRecheckMax:    1,
		AutoCloseTimeoutSec: 0,
		AutoCloseMsgEnabled: false,
		AutoCloseMsgText:    "This conversation was closed due to inactivity.",
		AutoCloseSweepSec:   60,
		AutoCloseBatchSize:  100,
		AutoCloseLockTTLSec: 20,
		InfluxURL:           "",
		InfluxToken:         "",
		InfluxOrg:           "",
		InfluxBucket:        "",
		InfluxTimeoutMS:     5000,
		OtelEnabled:         false,
		OtelEndpoint:        "",
		OtelInsecure:        true,
		OtelSampleRatio:     1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	// Default the JWKS endpoint off the issuer when only the issuer is configured.
	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.JWKSTTLSeconds <= 0 {
		problems = append(problems, Problem{Field: "JWKS_CACHE_TTL_SECONDS", Message: "JWKS_CACHE_TTL_SECONDS must be > 0"})
		cfg.JWKSTTLSeconds = 300
	}
	if cfg.JWTClockSkewSec < 0 {
		problems = append(problems, Problem{Field: "JWT_CLOCK_SKEW_SECONDS", Message: "JWT_CLOCK_SKEW_SECONDS must be >= 0"})
		cfg.JWTClockSkewSec = 60
	}
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_IDLE_SECONDS", Message: "DB_CONN_MAX_IDLE_SECONDS must be > 0"})
		cfg.DBConnMaxIdleSec = 300
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_LIFETIME_SECONDS", Message: "DB_CONN_MAX_LIFETIME_SECONDS must be > 0"})
		cfg.DBConnMaxLifeSec = 1800
	}
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.AsynqRedisDB < 0 {
		problems = append(problems, Problem{Field: "ASYNQ_REDIS_DB", Message: "ASYNQ_REDIS_DB must be >= 0"})
		cfg.AsynqRedisDB = 0
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 10
	}
	if cfg.QueueCapacity < 0 {
		problems = append(problems, Problem{Field: "QUEUE_CAPACITY", Message: "QUEUE_CAPACITY must be >= 0"})
		cfg.QueueCapacity = 0
	}
	if cfg.AssignCheckDelayMS <= 0 {
		problems = append(problems, Problem{Field: "ASSIGN_CHECK_DELAY_MS", Message: "ASSIGN_CHECK_DELAY_MS must be > 0"})
		cfg.AssignCheckDelayMS = 2000
	}
	cfg.AssignCheckDelay = time.Duration(cfg.AssignCheckDelayMS) * time.Millisecond
	if cfg.AssignRecheckMax < 0 {
		problems = append(problems, Problem{Field: "ASSIGN_RECHECK_MAX", Message: "ASSIGN_RECHECK_MAX must be >= 0"})
		cfg.AssignRecheckMax = 1
	}
	if cfg.AutoCloseSweepSec <= 0 {
		problems = append(problems, Problem{Field: "AUTOCLOSE_SWEEP_INTERVAL_SECONDS", Message: "AUTOCLOSE_SWEEP_INTERVAL_SECONDS must be > 0"})
		cfg.AutoCloseSweepSec = 60
	}
	if cfg.AutoCloseBatchSize <= 0 {
		problems = append(problems, Problem{Field: "AUTOCLOSE_BATCH_SIZE", Message: "AUTOCLOSE_BATCH_SIZE must be > 0"})
		cfg.AutoCloseBatchSize = 100
	}
	if cfg.AutoCloseLockTTLSec <= 0 {
		problems = append(problems, Problem{Field: "AUTOCLOSE_LOCK_TTL_SECONDS", Message: "AUTOCLOSE_LOCK_TTL_SECONDS must be > 0"})
		cfg.AutoCloseLockTTLSec = 20
	}
	if cfg.InfluxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	if v := strings.TrimSpace(os.Getenv("SERVICE_NAME")); v != "" {
		cfg.ServiceName = v
	}

	portRaw := strings.TrimSpace(os.Getenv("HTTP_PORT"))
	if portRaw == "" {
		portRaw = strings.TrimSpace(os.Getenv("PORT"))
	}
	if portRaw != "" {
		if p, err := strconv.Atoi(portRaw); err != nil || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	}

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}

	applyEnvInt(problems, "REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS)
	applyEnvInt(problems, "JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds)
	applyEnvInt(problems, "JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec)

	if v := strings.TrimSpace(os.Getenv("OIDC_ISSUER")); v != "" {
		cfg.OIDCIssuer = v
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")); v != "" {
		cfg.OIDCAudience = v
	}
	if v := strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")); v != "" {
		cfg.OIDCJWKSURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	applyEnvInt(problems, "DB_MAX_CONNS", &cfg.DBMaxConns)
	applyEnvInt(problems, "DB_MIN_CONNS", &cfg.DBMinConns)
	applyEnvInt(problems, "DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec)
	applyEnvInt(problems, "DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec)

	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = parseCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_CLIENT_ID")); v != "" {
		cfg.KafkaClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_CONSUMER_GROUP")); v != "" {
		cfg.KafkaGroupID = v
	}
	applyEnvInt(problems, "KAFKA_RETRY_MAX", &cfg.KafkaRetryMax)
	applyEnvInt(problems, "KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS)

	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	applyEnvInt(problems, "REDIS_DB", &cfg.RedisDB)

	if v := strings.TrimSpace(os.Getenv("ASYNQ_REDIS_ADDR")); v != "" {
		cfg.AsynqRedisAddr = v
	}
	if v := os.Getenv("ASYNQ_REDIS_PASSWORD"); v != "" {
		cfg.AsynqRedisPass = v
	}
	applyEnvInt(problems, "ASYNQ_REDIS_DB", &cfg.AsynqRedisDB)
	applyEnvInt(problems, "ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency)

	applyEnvInt(problems, "QUEUE_CAPACITY", &cfg.QueueCapacity)
	if v := strings.TrimSpace(os.Getenv("QUEUE_FULL_MESSAGE_TEXT")); v != "" {
		cfg.QueueFullMessage = v
	}
	applyEnvInt(problems, "ASSIGN_CHECK_DELAY_MS", &cfg.AssignCheckDelayMS)
	applyEnvInt(problems, "ASSIGN_RECHECK_MAX", &cfg.AssignRecheckMax)

	applyEnvInt(problems, "AUTOCLOSE_TIMEOUT_SECONDS", &cfg.AutoCloseTimeoutSec)
	if v := strings.TrimSpace(os.Getenv("AUTOCLOSE_MESSAGE_ENABLED")); v != "" {
		if b, ok := asBool(v); ok {
			cfg.AutoCloseMsgEnabled = b
		} else {
			*problems = append(*problems, Problem{Field: "AUTOCLOSE_MESSAGE_ENABLED", Message: "AUTOCLOSE_MESSAGE_ENABLED must be a boolean"})
		}
	}
	if v := strings.TrimSpace(os.Getenv("AUTOCLOSE_MESSAGE_TEXT")); v != "" {
		cfg.AutoCloseMsgText = v
	}
	applyEnvInt(problems, "AUTOCLOSE_SWEEP_INTERVAL_SECONDS", &cfg.AutoCloseSweepSec)
	applyEnvInt(problems, "AUTOCLOSE_BATCH_SIZE", &cfg.AutoCloseBatchSize)
	applyEnvInt(problems, "AUTOCLOSE_LOCK_TTL_SECONDS", &cfg.AutoCloseLockTTLSec)

	if v := strings.TrimSpace(os.Getenv("INFLUX_URL")); v != "" {
		cfg.InfluxURL = v
	}
	if v := os.Getenv("INFLUX_TOKEN"); v != "" {
		cfg.InfluxToken = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_ORG")); v != "" {
		cfg.InfluxOrg = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_BUCKET")); v != "" {
		cfg.InfluxBucket = v
	}
	applyEnvInt(problems, "INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS)

	if v := strings.TrimSpace(os.Getenv("OTEL_ENABLED")); v != "" {
		if b, ok := asBool(v); ok {
			cfg.OtelEnabled = b
		} else {
			*problems = append(*problems, Problem{Field: "OTEL_ENABLED", Message: "OTEL_ENABLED must be a boolean"})
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.OtelEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_INSECURE")); v != "" {
		if b, ok := asBool(v); ok {
			cfg.OtelInsecure = b
		} else {
			*problems = append(*problems, Problem{Field: "OTEL_INSECURE", Message: "OTEL_INSECURE must be a boolean"})
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SAMPLE_RATIO")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be a number"})
		} else {
			cfg.OtelSampleRatio = f
		}
	}
}

func applyEnvInt(problems *[]Problem, key string, dest *int) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
		return
	}
	*dest = n
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		switch strings.ToUpper(strings.TrimSpace(k)) {
		case "ENV":
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
		case "SERVICE_NAME":
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				cfg.ServiceName = strings.TrimSpace(s)
			}
		case "HTTP_PORT":
			p, ok := asInt(v)
			if !ok || p <= 0 || p > 65535 {
				*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
			} else {
				cfg.HTTPPort = p
			}
		case "LOG_LEVEL":
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				cfg.LogLevel = strings.TrimSpace(s)
			}
		case "REQUEST_TIMEOUT_MS":
			applyMapInt(problems, "REQUEST_TIMEOUT_MS", v, &cfg.RequestTimeoutMS)
		case "OIDC_ISSUER":
			if s, ok := v.(string); ok {
				cfg.OIDCIssuer = strings.TrimSpace(s)
			}
		case "OIDC_AUDIENCE":
			if s, ok := v.(string); ok {
				cfg.OIDCAudience = strings.TrimSpace(s)
			}
		case "OIDC_JWKS_URL":
			if s, ok := v.(string); ok {
				cfg.OIDCJWKSURL = strings.TrimSpace(s)
			}
		case "JWKS_CACHE_TTL_SECONDS":
			applyMapInt(problems, "JWKS_CACHE_TTL_SECONDS", v, &cfg.JWKSTTLSeconds)
		case "JWT_CLOCK_SKEW_SECONDS":
			applyMapInt(problems, "JWT_CLOCK_SKEW_SECONDS", v, &cfg.JWTClockSkewSec)
		case "DATABASE_URL":
			if s, ok := v.(string); ok {
				cfg.DatabaseURL = strings.TrimSpace(s)
			}
		case "DB_MAX_CONNS":
			applyMapInt(problems, "DB_MAX_CONNS", v, &cfg.DBMaxConns)
		case "DB_MIN_CONNS":
			applyMapInt(problems, "DB_MIN_CONNS", v, &cfg.DBMinConns)
		case "DB_CONN_MAX_IDLE_SECONDS":
			applyMapInt(problems, "DB_CONN_MAX_IDLE_SECONDS", v, &cfg.DBConnMaxIdleSec)
		case "DB_CONN_MAX_LIFETIME_SECONDS":
			applyMapInt(problems, "DB_CONN_MAX_LIFETIME_SECONDS", v, &cfg.DBConnMaxLifeSec)
		case "KAFKA_BROKERS":
			switch t := v.(type) {
			case string:
				cfg.KafkaBrokers = parseCSV(t)
			case []any:
				cfg.KafkaBrokers = parseAnyCSV(t)
			default:
				*problems = append(*problems, Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS must be a string or list"})
			}
		case "KAFKA_CLIENT_ID":
			if s, ok := v.(string); ok {
				cfg.KafkaClientID = strings.TrimSpace(s)
			}
		case "KAFKA_CONSUMER_GROUP":
			if s, ok := v.(string); ok {
				cfg.KafkaGroupID = strings.TrimSpace(s)
			}
		case "KAFKA_RETRY_MAX":
			applyMapInt(problems, "KAFKA_RETRY_MAX", v, &cfg.KafkaRetryMax)
		case "KAFKA_WRITE_TIMEOUT_MS":
			applyMapInt(problems, "KAFKA_WRITE_TIMEOUT_MS", v, &cfg.KafkaWriteMS)
		case "REDIS_ADDR":
			if s, ok := v.(string); ok {
				cfg.RedisAddr = strings.TrimSpace(s)
			}
		case "REDIS_PASSWORD":
			if s, ok := v.(string); ok {
				cfg.RedisPassword = s
			}
		case "REDIS_DB":
			applyMapInt(problems, "REDIS_DB", v, &cfg.RedisDB)
		case "ASYNQ_REDIS_ADDR":
			if s, ok := v.(string); ok {
				cfg.AsynqRedisAddr = strings.TrimSpace(s)
			}
		case "ASYNQ_REDIS_PASSWORD":
			if s, ok := v.(string); ok {
				cfg.AsynqRedisPass = s
			}
		case "ASYNQ_REDIS_DB":
			applyMapInt(problems, "ASYNQ_REDIS_DB", v, &cfg.AsynqRedisDB)
		case "ASYNQ_CONCURRENCY":
			applyMapInt(problems, "ASYNQ_CONCURRENCY", v, &cfg.AsynqConcurrency)
		case "QUEUE_CAPACITY":
			applyMapInt(problems, "QUEUE_CAPACITY", v, &cfg.QueueCapacity)
		case "QUEUE_FULL_MESSAGE_TEXT":
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				cfg.QueueFullMessage = strings.TrimSpace(s)
			}
		case "ASSIGN_CHECK_DELAY_MS":
			applyMapInt(problems, "ASSIGN_CHECK_DELAY_MS", v, &cfg.AssignCheckDelayMS)
		case "ASSIGN_RECHECK_MAX":
			applyMapInt(problems, "ASSIGN_RECHECK_MAX", v, &cfg.AssignRecheckMax)
		case "AUTOCLOSE_TIMEOUT_SECONDS":
			applyMapInt(problems, "AUTOCLOSE_TIMEOUT_SECONDS", v, &cfg.AutoCloseTimeoutSec)
		case "AUTOCLOSE_MESSAGE_ENABLED":
			switch t := v.(type) {
			case bool:
				cfg.AutoCloseMsgEnabled = t
			case string:
				if b, ok := asBool(t); ok {
					cfg.AutoCloseMsgEnabled = b
				} else {
					*problems = append(*problems, Problem{Field: "AUTOCLOSE_MESSAGE_ENABLED", Message: "AUTOCLOSE_MESSAGE_ENABLED must be a boolean"})
				}
			default:
				*problems = append(*problems, Problem{Field: "AUTOCLOSE_MESSAGE_ENABLED", Message: "AUTOCLOSE_MESSAGE_ENABLED must be a boolean"})
			}
		case "AUTOCLOSE_MESSAGE_TEXT":
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				cfg.AutoCloseMsgText = strings.TrimSpace(s)
			}
		case "AUTOCLOSE_SWEEP_INTERVAL_SECONDS":
			applyMapInt(problems, "AUTOCLOSE_SWEEP_INTERVAL_SECONDS", v, &cfg.AutoCloseSweepSec)
		case "AUTOCLOSE_BATCH_SIZE":
			applyMapInt(problems, "AUTOCLOSE_BATCH_SIZE", v, &cfg.AutoCloseBatchSize)
		case "AUTOCLOSE_LOCK_TTL_SECONDS":
			applyMapInt(problems, "AUTOCLOSE_LOCK_TTL_SECONDS", v, &cfg.AutoCloseLockTTLSec)
		case "INFLUX_URL":
			if s, ok := v.(string); ok {
				cfg.InfluxURL = strings.TrimSpace(s)
			}
		case "INFLUX_TOKEN":
			if s, ok := v.(string); ok {
				cfg.InfluxToken = s
			}
		case "INFLUX_ORG":
			if s, ok := v.(string); ok {
				cfg.InfluxOrg = strings.TrimSpace(s)
			}
		case "INFLUX_BUCKET":
			if s, ok := v.(string); ok {
				cfg.InfluxBucket = strings.TrimSpace(s)
			}
		case "INFLUX_TIMEOUT_MS":
			applyMapInt(problems, "INFLUX_TIMEOUT_MS", v, &cfg.InfluxTimeoutMS)
		case "OTEL_ENABLED":
			if b, ok := v.(bool); ok {
				cfg.OtelEnabled = b
			}
		case "OTEL_EXPORTER_OTLP_ENDPOINT":
			if s, ok := v.(string); ok {
				cfg.OtelEndpoint = strings.TrimSpace(s)
			}
		case "OTEL_INSECURE":
			if b, ok := v.(bool); ok {
				cfg.OtelInsecure = b
			}
		case "OTEL_SAMPLE_RATIO":
			f, ok := asFloat(v)
			if !ok {
				*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be a number"})
			} else {
				cfg.OtelSampleRatio = f
			}
		}
	}
}

func applyMapInt(problems *[]Problem, field string, v any, dest *int) {
	n, ok := asInt(v)
	if !ok {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be an integer"})
		return
	}
	*dest = n
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case float64:
		return int(t), true
	case int:
		return t, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
