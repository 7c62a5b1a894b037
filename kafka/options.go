package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/go-playground/validator/v10"
)

// Configuration section positions used when binding options from a config source
const (
	ProducerOptionsPosition = "kafka.producer"
	ConsumerOptionsPosition = "kafka.consumer"
)

// Default values
var (
	DefaultFlushTimeout   = 10 * time.Second
	DefaultPollTimeout    = 100 * time.Millisecond
	DefaultStopTimeout    = 10 * time.Second
	DefaultSessionTimeout = 45 * time.Second
	DefaultLogLevel       = 6
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// SecurityOptions holds SSL/SASL settings shared by producers and consumers
type SecurityOptions struct {
	SecurityProtocol string `mapstructure:"security_protocol" validate:"omitempty,oneof=plaintext ssl sasl_plaintext sasl_ssl"`
	SASLMechanism    string `mapstructure:"sasl_mechanism" validate:"omitempty,oneof=PLAIN SCRAM-SHA-256 SCRAM-SHA-512 OAUTHBEARER GSSAPI"`
	SASLUsername     string `mapstructure:"sasl_username"`
	SASLPassword     string `mapstructure:"sasl_password"`
	SSLCALocation    string `mapstructure:"ssl_ca_location"`
}

// TracingOptions holds OpenTelemetry tracing configuration
type TracingOptions struct {
	Enabled       bool   `mapstructure:"enabled"`
	TracerName    string `mapstructure:"tracer_name"`
	TracerVersion string `mapstructure:"tracer_version"`
}

// ProducerOptions configures the client handle's native producer
type ProducerOptions struct {
	BootstrapServers  string      `mapstructure:"bootstrap_servers" validate:"required"`
	ClientID          string      `mapstructure:"client_id"`
	Acks              Acks        `mapstructure:"acks" validate:"omitempty,oneof=0 1 -1 all"`
	CompressionType   Compression `mapstructure:"compression_type" validate:"omitempty,oneof=none gzip snappy lz4 zstd"`
	EnableIdempotence bool        `mapstructure:"enable_idempotence"`
	LingerMs          int         `mapstructure:"linger_ms" validate:"gte=0"`
	MessageTimeoutMs  int         `mapstructure:"message_timeout_ms" validate:"gte=0"`

	SecurityOptions `mapstructure:",squash"`

	// FlushTimeout bounds how long closing the handle waits for
	// outstanding messages.
	FlushTimeout time.Duration `mapstructure:"flush_timeout" validate:"gte=0"`

	// LogLevel is the librdkafka syslog level (0-7). Unset means
	// DefaultLogLevel.
	LogLevel *int `mapstructure:"log_level" validate:"omitempty,gte=0,lte=7"`

	Tracing TracingOptions `mapstructure:"tracing"`

	// Extra holds any other librdkafka property, passed through verbatim.
	Extra map[string]string `mapstructure:"extra"`
}

// ConsumerOptions configures a consumer's native consumer
type ConsumerOptions struct {
	BootstrapServers string          `mapstructure:"bootstrap_servers" validate:"required"`
	GroupID          string          `mapstructure:"group_id" validate:"required"`
	ClientID         string          `mapstructure:"client_id"`
	AutoOffsetReset  AutoOffsetReset `mapstructure:"auto_offset_reset" validate:"omitempty,oneof=earliest latest error"`

	// EnableAutoCommit defaults to true. When false, offsets are committed
	// after each successfully handled message.
	EnableAutoCommit *bool `mapstructure:"enable_auto_commit"`

	SessionTimeout    time.Duration `mapstructure:"session_timeout" validate:"gte=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gte=0"`
	PartitionAssignor string        `mapstructure:"partition_assignment_strategy" validate:"omitempty,oneof=range roundrobin cooperative-sticky"`

	SecurityOptions `mapstructure:",squash"`

	// PollTimeout is how long a single poll waits for a message.
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"gte=0"`

	// LogLevel is the librdkafka syslog level (0-7). Unset means
	// DefaultLogLevel.
	LogLevel *int `mapstructure:"log_level" validate:"omitempty,gte=0,lte=7"`

	Tracing TracingOptions `mapstructure:"tracing"`

	// Extra holds any other librdkafka property, passed through verbatim.
	Extra map[string]string `mapstructure:"extra"`
}

// ApplyDefaults sets defaults for zero-valued fields.
func (o *ProducerOptions) ApplyDefaults() {
	if o.Acks == "" {
		o.Acks = AcksAll
	}
	if o.FlushTimeout == 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}
	if o.LogLevel == nil {
		level := DefaultLogLevel
		o.LogLevel = &level
	}
}

// Validate checks that required fields are present and well formed.
func (o *ProducerOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid producer options: %w", err)
	}
	return o.SecurityOptions.validate()
}

// ConfigMap builds the librdkafka configuration.
func (o *ProducerOptions) ConfigMap() (*kafka.ConfigMap, error) {
	configMap := &kafka.ConfigMap{
		"bootstrap.servers":      o.BootstrapServers,
		"go.logs.channel.enable": true,
	}

	if o.ClientID != "" {
		configMap.SetKey("client.id", o.ClientID)
	}
	if o.Acks != "" {
		configMap.SetKey("acks", string(o.Acks))
	}
	if o.CompressionType != "" && o.CompressionType != CompressionNone {
		configMap.SetKey("compression.type", string(o.CompressionType))
	}
	if o.EnableIdempotence {
		configMap.SetKey("enable.idempotence", true)
	}
	if o.LingerMs > 0 {
		configMap.SetKey("linger.ms", o.LingerMs)
	}
	if o.MessageTimeoutMs > 0 {
		configMap.SetKey("message.timeout.ms", o.MessageTimeoutMs)
	}
	if o.LogLevel != nil {
		configMap.SetKey("log_level", *o.LogLevel)
	}

	o.SecurityOptions.apply(configMap)

	if err := applyExtra(configMap, o.Extra); err != nil {
		return nil, err
	}
	return configMap, nil
}

// ApplyDefaults sets defaults for zero-valued fields.
func (o *ConsumerOptions) ApplyDefaults() {
	if o.AutoOffsetReset == "" {
		o.AutoOffsetReset = OffsetLatest
	}
	if o.EnableAutoCommit == nil {
		enabled := true
		o.EnableAutoCommit = &enabled
	}
	if o.SessionTimeout == 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.LogLevel == nil {
		level := DefaultLogLevel
		o.LogLevel = &level
	}
}

// AutoCommit reports whether the client library commits offsets on its own.
func (o *ConsumerOptions) AutoCommit() bool {
	return o.EnableAutoCommit == nil || *o.EnableAutoCommit
}

// Validate checks that required fields are present and well formed.
func (o *ConsumerOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid consumer options: %w", err)
	}
	if o.HeartbeatInterval > 0 && o.SessionTimeout > 0 && o.HeartbeatInterval >= o.SessionTimeout {
		return fmt.Errorf("invalid consumer options: heartbeat_interval %s must be lower than session_timeout %s",
			o.HeartbeatInterval, o.SessionTimeout)
	}
	return o.SecurityOptions.validate()
}

// ConfigMap builds the librdkafka configuration.
func (o *ConsumerOptions) ConfigMap() (*kafka.ConfigMap, error) {
	configMap := &kafka.ConfigMap{
		"bootstrap.servers":      o.BootstrapServers,
		"group.id":               o.GroupID,
		"enable.auto.commit":     o.AutoCommit(),
		"go.logs.channel.enable": true,
	}

	if o.ClientID != "" {
		configMap.SetKey("client.id", o.ClientID)
	}
	if o.AutoOffsetReset != "" {
		configMap.SetKey("auto.offset.reset", string(o.AutoOffsetReset))
	}
	if o.SessionTimeout > 0 {
		configMap.SetKey("session.timeout.ms", int(o.SessionTimeout.Milliseconds()))
	}
	if o.HeartbeatInterval > 0 {
		configMap.SetKey("heartbeat.interval.ms", int(o.HeartbeatInterval.Milliseconds()))
	}
	if o.PartitionAssignor != "" {
		configMap.SetKey("partition.assignment.strategy", o.PartitionAssignor)
	}
	if o.LogLevel != nil {
		configMap.SetKey("log_level", *o.LogLevel)
	}

	o.SecurityOptions.apply(configMap)

	if err := applyExtra(configMap, o.Extra); err != nil {
		return nil, err
	}
	return configMap, nil
}

func (s *SecurityOptions) validate() error {
	if strings.HasPrefix(s.SecurityProtocol, "sasl_") && s.SASLMechanism == "" {
		return fmt.Errorf("sasl_mechanism is required for security_protocol %s", s.SecurityProtocol)
	}
	if (s.SASLMechanism == "PLAIN" || strings.HasPrefix(s.SASLMechanism, "SCRAM")) && s.SASLUsername == "" {
		return fmt.Errorf("sasl_username is required for sasl_mechanism %s", s.SASLMechanism)
	}
	return nil
}

func (s *SecurityOptions) apply(configMap *kafka.ConfigMap) {
	protocol := s.SecurityProtocol
	if protocol == "" && s.SASLMechanism != "" {
		protocol = "sasl_plaintext"
		if s.SSLCALocation != "" {
			protocol = "sasl_ssl"
		}
	}
	if protocol != "" {
		configMap.SetKey("security.protocol", protocol)
	}
	if s.SASLMechanism != "" {
		configMap.SetKey("sasl.mechanism", s.SASLMechanism)
		configMap.SetKey("sasl.username", s.SASLUsername)
		configMap.SetKey("sasl.password", s.SASLPassword)
	}
	if s.SSLCALocation != "" {
		configMap.SetKey("ssl.ca.location", s.SSLCALocation)
	}
}

// underscoreProperties are librdkafka properties spelled with underscores.
var underscoreProperties = map[string]bool{
	"log_level": true,
}

// applyExtra passes raw librdkafka properties through. Config sources split
// keys on dots, so keys without a dot are read with underscores standing in
// for dots (queue_buffering_max_ms -> queue.buffering.max.ms).
func applyExtra(configMap *kafka.ConfigMap, extra map[string]string) error {
	for k, v := range extra {
		key := k
		if !strings.Contains(key, ".") && !underscoreProperties[key] {
			key = strings.ReplaceAll(key, "_", ".")
		}
		if err := configMap.SetKey(key, v); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}
