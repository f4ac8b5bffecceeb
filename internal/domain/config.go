package domain

import (
	"time"
)

// Config holds the complete pipeline configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Broker   BrokerConfig   `json:"broker"`
	Cache    CacheConfig    `json:"cache"`
	Sinks    SinkConfig     `json:"sinks"`
	Alerts   AlertConfig    `json:"alerts"`
	Calendar CalendarConfig `json:"calendar"`
	Detector DetectorConfig `json:"detector"`
	Windows  WindowConfig   `json:"windows"`
	Pipeline PipelineConfig `json:"pipeline"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig holds the operational HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// CalendarConfig is the static business calendar used for business-hours and
// shift classification.
type CalendarConfig struct {
	// Weekdays are working days, time.Weekday values.
	Weekdays  []time.Weekday `json:"weekdays"`
	StartHour int            `json:"startHour"`
	EndHour   int            `json:"endHour"`
}

// DetectorConfig holds anomaly detection settings.
type DetectorConfig struct {
	// ZScoreThreshold above which the statistical detector flags a value.
	ZScoreThreshold float64 `json:"zScoreThreshold"`

	// MinSamples gates the statistical detector; below it the detector
	// abstains rather than scoring against thin statistics.
	MinSamples int `json:"minSamples"`

	// RingSize bounds the recent-value buffer used for IQR estimation.
	RingSize int `json:"ringSize"`

	// IQRMultiplier widens the interquartile outlier fences.
	IQRMultiplier float64 `json:"iqrMultiplier"`

	// LargeQuantityThreshold feeds the built-in risk factor and rule.
	LargeQuantityThreshold float64 `json:"largeQuantityThreshold"`

	// VelocityWindow and VelocityThreshold drive the trailing-window
	// transaction-count risk factor.
	VelocityWindow    time.Duration `json:"velocityWindow"`
	VelocityThreshold int64         `json:"velocityThreshold"`

	// Rules is the declarative rule list. Validated at load time.
	Rules []RuleConfig `json:"rules"`

	// RulesPath optionally loads additional rules from a JSON file.
	RulesPath string `json:"rulesPath"`
}

// WindowConfig holds tumbling-window aggregation settings.
type WindowConfig struct {
	Sizes         []time.Duration `json:"sizes"`
	Grace         time.Duration   `json:"grace"`
	SweepInterval time.Duration   `json:"sweepInterval"`

	// Shards for the live-window map locking.
	Shards int `json:"shards"`
}

// PipelineConfig holds coordinator settings.
type PipelineConfig struct {
	// MaxRetries and backoff bounds for transient per-message failures.
	MaxRetries     int           `json:"maxRetries"`
	RetryBase      time.Duration `json:"retryBase"`
	RetryMax       time.Duration `json:"retryMax"`
	ShutdownGrace  time.Duration `json:"shutdownGrace"`
	EnrichTimeout  time.Duration `json:"enrichTimeout"`
	MetricsEnabled bool          `json:"metricsEnabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// DefaultConfig returns a development configuration: in-memory cache,
// channel source, SQLite sinks.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8090,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Broker: BrokerConfig{
			Type:              "channel",
			Topics:            []string{TopicInventory, TopicOrders, TopicShipments},
			ConsumerGroup:     "warehouse-processing",
			MaxBatchSize:      50,
			PollTimeoutMs:     1000,
			ChannelBufferSize: 1000,
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			OpTimeout:    2 * time.Second,
			ReferenceTTL: time.Hour,
		},
		Sinks: SinkConfig{
			Driver:         "sqlite",
			SQLitePath:     "./conveyor.db",
			DeadLetterPath: "./deadletter.jsonl",
			WriteTimeout:   5 * time.Second,
			MaxRetries:     5,
			RetryBackoff:   100 * time.Millisecond,
		},
		Alerts: AlertConfig{
			Type:        "none",
			MinSeverity: SeverityWarning,
			Subject:     "warehouse.alerts",
		},
		Calendar: CalendarConfig{
			Weekdays:  []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			StartHour: 8,
			EndHour:   18,
		},
		Detector: DetectorConfig{
			ZScoreThreshold:        3.0,
			MinSamples:             30,
			RingSize:               100,
			IQRMultiplier:          1.5,
			LargeQuantityThreshold: 1000,
			VelocityWindow:         time.Hour,
			VelocityThreshold:      50,
			Rules:                  DefaultRules(),
		},
		Windows: WindowConfig{
			Sizes:         []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour},
			Grace:         30 * time.Second,
			SweepInterval: 10 * time.Second,
			Shards:        32,
		},
		Pipeline: PipelineConfig{
			MaxRetries:     5,
			RetryBase:      100 * time.Millisecond,
			RetryMax:       5 * time.Second,
			ShutdownGrace:  10 * time.Second,
			EnrichTimeout:  2 * time.Second,
			MetricsEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// KafkaConfig returns a production configuration: Kafka source, Redis cache,
// Postgres sinks, NATS alerts.
func KafkaConfig() *Config {
	cfg := DefaultConfig()
	cfg.Broker.Type = "kafka"
	cfg.Broker.Brokers = []string{"localhost:9092"}
	cfg.Cache = CacheConfig{
		Type:         "redis",
		RedisAddr:    "localhost:6379",
		OpTimeout:    2 * time.Second,
		ReferenceTTL: time.Hour,
	}
	cfg.Sinks.Driver = "postgres"
	cfg.Sinks.PostgresDSN = "postgres://localhost:5432/conveyor?sslmode=disable"
	cfg.Alerts.Type = "nats"
	cfg.Alerts.NATSUrl = "nats://localhost:4222"
	cfg.Alerts.NATSMaxReconnects = 10
	cfg.Alerts.NATSReconnectWait = 5
	return cfg
}

// DefaultRules returns the built-in rule set mirroring the stock detections.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{
			ID:          "large_quantity_movement",
			Title:       "Large quantity movement",
			Description: "Single movement above the bulk threshold",
			Conditions: []Condition{
				{Field: "quantity_abs", Operator: OpGT, Value: 1000.0},
			},
			Severity: SeverityWarning,
			Score:    0.85,
			Enabled:  true,
		},
		{
			ID:          "negative_quantity_inbound",
			Title:       "Negative inbound quantity",
			Description: "Inbound stock movement with a negative quantity",
			Conditions: []Condition{
				{Field: "action", Operator: OpEQ, Value: ActionStockIn},
				{Field: "quantity", Operator: OpLT, Value: 0.0},
			},
			Severity: SeverityError,
			Score:    0.9,
			Enabled:  true,
		},
		{
			ID:          "after_hours_high_value",
			Title:       "After-hours high-value movement",
			Description: "High-value item moved outside business hours",
			Conditions: []Condition{
				{Field: "risk_factors", Operator: OpContains, Value: RiskAfterHours},
				{Field: "risk_factors", Operator: OpContains, Value: RiskHighValueItem},
			},
			Severity: SeverityWarning,
			Score:    0.8,
			Enabled:  true,
		},
	}
}

// Validate fails fast on bad window, calendar, or rule definitions.
func (c *Config) Validate() error {
	if len(c.Windows.Sizes) == 0 {
		return &ConfigError{Item: "windows", Reason: "at least one window size is required"}
	}
	for _, s := range c.Windows.Sizes {
		if s <= 0 {
			return &ConfigError{Item: "windows", Reason: "window sizes must be positive"}
		}
	}
	if c.Windows.Grace < 0 {
		return &ConfigError{Item: "windows", Reason: "grace period cannot be negative"}
	}
	if c.Calendar.StartHour < 0 || c.Calendar.StartHour > 23 ||
		c.Calendar.EndHour < 0 || c.Calendar.EndHour > 23 ||
		c.Calendar.StartHour >= c.Calendar.EndHour {
		return &ConfigError{Item: "calendar", Reason: "business hours must satisfy 0 <= start < end <= 23"}
	}
	if c.Detector.MinSamples < 2 {
		return &ConfigError{Item: "detector", Reason: "minSamples must be at least 2"}
	}
	if c.Detector.RingSize <= 0 {
		return &ConfigError{Item: "detector", Reason: "ringSize must be positive"}
	}
	for i := range c.Detector.Rules {
		if err := c.Detector.Rules[i].Validate(); err != nil {
			return err
		}
	}
	if c.Broker.MaxBatchSize <= 0 {
		return &ConfigError{Item: "broker", Reason: "maxBatchSize must be positive"}
	}
	return nil
}
