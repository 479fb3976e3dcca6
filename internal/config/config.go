package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Cache         CacheConfig         `yaml:"cache"`
	LLM           LLMConfig           `yaml:"llm"`
	Limits        LimitsConfig        `yaml:"limits"`
	Admin         AdminConfig         `yaml:"admin"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type CacheConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	Addr   string `yaml:"addr"`
	DB     int    `yaml:"db"`
}

type LLMConfig struct {
	Mock      bool   `yaml:"mock"`
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type LimitsConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	RequestsPerDay    int `yaml:"requests_per_day"`
}

type AdminConfig struct {
	Token string `yaml:"token"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "flightdeck"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/flightdeck.db",
		},
		Cache: CacheConfig{
			Driver: "sqlite",
			Path:   "./data/flightdeck.db",
			Addr:   "localhost:6379",
		},
		LLM: LLMConfig{
			Mock:      true,
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			TimeoutMS: 30000,
		},
		Limits: LimitsConfig{
			RequestsPerMinute: 25,
			RequestsPerDay:    14000,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	switch driver := strings.TrimSpace(cfg.Storage.Driver); driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	switch driver := strings.TrimSpace(cfg.Cache.Driver); driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Cache.Path) == "" {
			return errors.New("cache.path is required when cache.driver=sqlite")
		}
	case "redis":
		if strings.TrimSpace(cfg.Cache.Addr) == "" {
			return errors.New("cache.addr is required when cache.driver=redis")
		}
	default:
		return fmt.Errorf("cache.driver must be one of sqlite, redis (got %q)", cfg.Cache.Driver)
	}

	if !cfg.LLM.Mock {
		if strings.TrimSpace(cfg.LLM.Provider) == "" {
			return errors.New("llm.provider is required when llm.mock=false")
		}
		if strings.TrimSpace(cfg.LLM.APIKey) == "" {
			return errors.New("llm.api_key is required when llm.mock=false")
		}
	}
	if cfg.LLM.TimeoutMS <= 0 {
		return fmt.Errorf("llm.timeout_ms must be > 0 (got %d)", cfg.LLM.TimeoutMS)
	}

	if cfg.Limits.RequestsPerMinute <= 0 {
		return fmt.Errorf("limits.requests_per_minute must be > 0 (got %d)", cfg.Limits.RequestsPerMinute)
	}
	if cfg.Limits.RequestsPerDay <= 0 {
		return fmt.Errorf("limits.requests_per_day must be > 0 (got %d)", cfg.Limits.RequestsPerDay)
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("FLIGHTDECK_HOST"); host != "" {
		cfg.Server.Host = host
	}

	if port := os.Getenv("FLIGHTDECK_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid FLIGHTDECK_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if storageDriver := os.Getenv("FLIGHTDECK_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("FLIGHTDECK_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("FLIGHTDECK_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if cacheDriver := os.Getenv("FLIGHTDECK_CACHE_DRIVER"); cacheDriver != "" {
		cfg.Cache.Driver = cacheDriver
	}
	if cachePath := os.Getenv("FLIGHTDECK_CACHE_PATH"); cachePath != "" {
		cfg.Cache.Path = cachePath
	}
	if cacheAddr := os.Getenv("FLIGHTDECK_CACHE_ADDR"); cacheAddr != "" {
		cfg.Cache.Addr = cacheAddr
	}
	if cacheDB := os.Getenv("FLIGHTDECK_CACHE_DB"); cacheDB != "" {
		v, err := strconv.Atoi(cacheDB)
		if err != nil {
			return fmt.Errorf("invalid FLIGHTDECK_CACHE_DB: %w", err)
		}
		cfg.Cache.DB = v
	}

	if mock := os.Getenv("FLIGHTDECK_MOCK_MODE"); mock != "" {
		v, err := strconv.ParseBool(mock)
		if err != nil {
			return fmt.Errorf("invalid FLIGHTDECK_MOCK_MODE: %w", err)
		}
		cfg.LLM.Mock = v
	}
	if provider := os.Getenv("FLIGHTDECK_LLM_PROVIDER"); provider != "" {
		cfg.LLM.Provider = provider
	}
	if apiKey := os.Getenv("FLIGHTDECK_LLM_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	// OPENAI_API_KEY is honored as a fallback so the binary works with the
	// conventional environment of the OpenAI SDK.
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if model := os.Getenv("FLIGHTDECK_LLM_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if timeoutMS := os.Getenv("FLIGHTDECK_LLM_TIMEOUT_MS"); timeoutMS != "" {
		v, err := strconv.Atoi(timeoutMS)
		if err != nil {
			return fmt.Errorf("invalid FLIGHTDECK_LLM_TIMEOUT_MS: %w", err)
		}
		cfg.LLM.TimeoutMS = v
	}

	if rpm := os.Getenv("FLIGHTDECK_RATE_LIMIT_RPM"); rpm != "" {
		v, err := strconv.Atoi(rpm)
		if err != nil {
			return fmt.Errorf("invalid FLIGHTDECK_RATE_LIMIT_RPM: %w", err)
		}
		cfg.Limits.RequestsPerMinute = v
	}
	if rpd := os.Getenv("FLIGHTDECK_RATE_LIMIT_RPD"); rpd != "" {
		v, err := strconv.Atoi(rpd)
		if err != nil {
			return fmt.Errorf("invalid FLIGHTDECK_RATE_LIMIT_RPD: %w", err)
		}
		cfg.Limits.RequestsPerDay = v
	}

	if adminToken := os.Getenv("FLIGHTDECK_ADMIN_TOKEN"); adminToken != "" {
		cfg.Admin.Token = adminToken
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
