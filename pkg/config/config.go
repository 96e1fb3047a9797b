// Package config provides configuration handling for the userspace TCP
// engine.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/donkomura/tcprs/pkg/ipv4"
	"github.com/donkomura/tcprs/pkg/logging"
	"github.com/donkomura/tcprs/pkg/tcp"
	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	// Device contains the TUN device configuration.
	Device DeviceConfig `json:"device" yaml:"device"`

	// Engine contains the TCP engine configuration.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// DeviceConfig contains configuration for the TUN device.
type DeviceConfig struct {
	// Name is the TUN interface name.
	Name string `json:"name" yaml:"name"`

	// MTU is the interface MTU in bytes.
	MTU int `json:"mtu" yaml:"mtu"`
}

// EngineConfig contains configuration for the TCP engine. Durations are
// expressed in milliseconds for the wire formats.
type EngineConfig struct {
	// LocalAddress is the IPv4 address the engine answers for.
	LocalAddress string `json:"localAddress" yaml:"localAddress"`

	// MSS is the advertised maximum segment size. Zero derives it from
	// the MTU.
	MSS int `json:"mss" yaml:"mss"`

	// SendBufferSize and RecvBufferSize bound the per-connection buffers.
	SendBufferSize int `json:"sendBufferSize" yaml:"sendBufferSize"`
	RecvBufferSize int `json:"recvBufferSize" yaml:"recvBufferSize"`

	// ReassemblyCap bounds per-connection out-of-order bytes.
	ReassemblyCap int `json:"reassemblyCap" yaml:"reassemblyCap"`

	// MaxConnections bounds the connection table. Zero means unlimited.
	MaxConnections int `json:"maxConnections" yaml:"maxConnections"`

	// Backlog bounds pending accepted connections per listener.
	Backlog int `json:"backlog" yaml:"backlog"`

	// CongestionControl names the algorithm.
	CongestionControl string `json:"congestionControl" yaml:"congestionControl"`

	// AckDelayMs is the delayed ACK interval in milliseconds.
	AckDelayMs int `json:"ackDelayMs" yaml:"ackDelayMs"`

	// RTOInitialMs, RTOMinMs, and RTOMaxMs bound the retransmission
	// timeout in milliseconds.
	RTOInitialMs int `json:"rtoInitialMs" yaml:"rtoInitialMs"`
	RTOMinMs     int `json:"rtoMinMs" yaml:"rtoMinMs"`
	RTOMaxMs     int `json:"rtoMaxMs" yaml:"rtoMaxMs"`

	// MaxRetries and SynRetries bound retransmission attempts.
	MaxRetries int `json:"maxRetries" yaml:"maxRetries"`
	SynRetries int `json:"synRetries" yaml:"synRetries"`

	// MSLSeconds sets the TIME_WAIT duration at twice its value.
	MSLSeconds int `json:"mslSeconds" yaml:"mslSeconds"`

	// NonBlockingWrites makes writes fail fast when the send buffer is
	// full.
	NonBlockingWrites bool `json:"nonBlockingWrites" yaml:"nonBlockingWrites"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	d := tcp.DefaultConfig()
	return &Config{
		Device: DeviceConfig{
			Name: "tcprs0",
			MTU:  1500,
		},
		Engine: EngineConfig{
			LocalAddress:      "192.168.71.1",
			SendBufferSize:    d.SendBufferSize,
			RecvBufferSize:    d.RecvBufferSize,
			ReassemblyCap:     d.ReassemblyCap,
			Backlog:           d.Backlog,
			CongestionControl: d.CongestionControl,
			AckDelayMs:        int(d.AckDelay / time.Millisecond),
			RTOInitialMs:      int(d.RTOInitial / time.Millisecond),
			RTOMinMs:          int(d.RTOMin / time.Millisecond),
			RTOMaxMs:          int(d.RTOMax / time.Millisecond),
			MaxRetries:        d.MaxRetries,
			SynRetries:        d.SynRetries,
			MSLSeconds:        int(d.MSL / time.Second),
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv(config *Config) {
	// Device config
	if val := os.Getenv("TCPRS_TUN_NAME"); val != "" {
		config.Device.Name = val
	}
	if val := os.Getenv("TCPRS_TUN_MTU"); val != "" {
		if mtu, err := strconv.Atoi(val); err == nil {
			config.Device.MTU = mtu
		}
	}

	// Engine config
	if val := os.Getenv("TCPRS_LOCAL_ADDRESS"); val != "" {
		config.Engine.LocalAddress = val
	}
	if val := os.Getenv("TCPRS_MSS"); val != "" {
		if mss, err := strconv.Atoi(val); err == nil {
			config.Engine.MSS = mss
		}
	}
	if val := os.Getenv("TCPRS_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Engine.MaxConnections = n
		}
	}
	if val := os.Getenv("TCPRS_CONGESTION_CONTROL"); val != "" {
		config.Engine.CongestionControl = val
	}
	if val := os.Getenv("TCPRS_NONBLOCKING_WRITES"); val != "" {
		config.Engine.NonBlockingWrites = val == "true" || val == "1"
	}

	// Logging config
	if val := os.Getenv("TCPRS_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("TCPRS_LOG_FILE"); val != "" {
		config.Logging.File = val
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Device.Name == "" {
		return fmt.Errorf("TUN name cannot be empty")
	}
	if c.Device.MTU < 576 {
		return fmt.Errorf("invalid TUN MTU: %d", c.Device.MTU)
	}
	if _, err := ipv4.ParseAddress(c.Engine.LocalAddress); err != nil {
		return fmt.Errorf("invalid local address %q: %w", c.Engine.LocalAddress, err)
	}
	if c.Engine.MSS != 0 && (c.Engine.MSS < 64 || c.Engine.MSS > c.Device.MTU-40) {
		return fmt.Errorf("invalid MSS %d for MTU %d", c.Engine.MSS, c.Device.MTU)
	}
	if c.Engine.RTOMinMs > 0 && c.Engine.RTOMaxMs > 0 && c.Engine.RTOMinMs > c.Engine.RTOMaxMs {
		return fmt.Errorf("rtoMinMs %d exceeds rtoMaxMs %d", c.Engine.RTOMinMs, c.Engine.RTOMaxMs)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// EngineTCPConfig converts the file representation into the engine's
// native configuration.
func (c *Config) EngineTCPConfig() (tcp.Config, error) {
	addr, err := ipv4.ParseAddress(c.Engine.LocalAddress)
	if err != nil {
		return tcp.Config{}, fmt.Errorf("invalid local address %q: %w", c.Engine.LocalAddress, err)
	}
	return tcp.Config{
		LocalAddress:      addr,
		MTU:               c.Device.MTU,
		MSS:               c.Engine.MSS,
		SendBufferSize:    c.Engine.SendBufferSize,
		RecvBufferSize:    c.Engine.RecvBufferSize,
		ReassemblyCap:     c.Engine.ReassemblyCap,
		MaxConnections:    c.Engine.MaxConnections,
		Backlog:           c.Engine.Backlog,
		CongestionControl: c.Engine.CongestionControl,
		AckDelay:          time.Duration(c.Engine.AckDelayMs) * time.Millisecond,
		RTOInitial:        time.Duration(c.Engine.RTOInitialMs) * time.Millisecond,
		RTOMin:            time.Duration(c.Engine.RTOMinMs) * time.Millisecond,
		RTOMax:            time.Duration(c.Engine.RTOMaxMs) * time.Millisecond,
		MaxRetries:        c.Engine.MaxRetries,
		SynRetries:        c.Engine.SynRetries,
		MSL:               time.Duration(c.Engine.MSLSeconds) * time.Second,
		NonBlockingWrites: c.Engine.NonBlockingWrites,
	}, nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)

	if c.Logging.File != "" {
		dir := filepath.Dir(c.Logging.File)
		filename := filepath.Base(c.Logging.File)
		if err := logging.EnableFileLogging(dir, filename, c.Logging.MaxSize, c.Logging.MaxBackups, c.Logging.MaxAge); err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
