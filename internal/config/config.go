// Package config loads the chainsync configuration from YAML, applies
// environment overrides and defaults, and translates the declarative
// network and source definitions into their runtime form.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/chainsync-io/chainsync/source"
)

// Config holds all configuration for the sync engine.
type Config struct {
	Log      LogConfig       `yaml:"log"`
	Database DatabaseConfig  `yaml:"database"`
	API      APIConfig       `yaml:"api"`
	Stream   StreamConfig    `yaml:"stream"`
	Backfill BackfillConfig  `yaml:"backfill"`
	Networks []NetworkConfig `yaml:"networks"`
	Sources  []SourceConfig  `yaml:"sources"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig holds cache database configuration.
type DatabaseConfig struct {
	Path      string `yaml:"path"`
	CacheSize int    `yaml:"cache_size"`
	ReadOnly  bool   `yaml:"readonly"`
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// StreamConfig holds event stream configuration.
type StreamConfig struct {
	// Buffer is the stream capacity; producers block when it is full.
	Buffer int `yaml:"buffer"`
}

// BackfillConfig holds historical sync tuning.
type BackfillConfig struct {
	LogWorkers      int    `yaml:"log_workers"`
	BlockWorkers    int    `yaml:"block_workers"`
	MaxAttempts     uint64 `yaml:"max_attempts"`
	HeaderBatchSize int    `yaml:"header_batch_size"`
}

// NetworkConfig declares one chain to synchronize.
type NetworkConfig struct {
	Name            string        `yaml:"name"`
	ChainID         uint64        `yaml:"chain_id"`
	RPCEndpoint     string        `yaml:"rpc_endpoint"`
	RPCTimeout      time.Duration `yaml:"rpc_timeout"`
	PollingInterval time.Duration `yaml:"polling_interval"`
	MaxRPS          float64       `yaml:"max_rps"`
	FinalityDepth   uint64        `yaml:"finality_depth"`
	BlockLimit      uint64        `yaml:"block_limit"`
}

// FactoryConfig declares dynamic address discovery from a parent event.
type FactoryConfig struct {
	Address       string `yaml:"address"`
	EventSelector string `yaml:"event_selector"`
	TopicIndex    int    `yaml:"topic_index"`
	DataWord      int    `yaml:"data_word"`
}

// SourceConfig declares one logical event source.
type SourceConfig struct {
	Name      string `yaml:"name"`
	Network   string `yaml:"network"`
	Kind      string `yaml:"kind"`
	FromBlock uint64 `yaml:"from_block"`
	ToBlock   uint64 `yaml:"to_block"`

	// Addresses constrains the log emitter; Factory replaces it with
	// dynamic discovery.
	Addresses []string       `yaml:"addresses"`
	Factory   *FactoryConfig `yaml:"factory"`

	// Topics holds up to four topic slots; each slot lists acceptable
	// values, an empty slot matches anything.
	Topics [][]string `yaml:"topics"`

	FromAddresses []string       `yaml:"from_addresses"`
	FromFactory   *FactoryConfig `yaml:"from_factory"`
	ToAddresses   []string       `yaml:"to_addresses"`
	ToFactory     *FactoryConfig `yaml:"to_factory"`

	CallType string `yaml:"call_type"`

	Interval uint64 `yaml:"interval"`
	Offset   uint64 `yaml:"offset"`
}

// NewConfig returns a configuration populated with defaults.
func NewConfig() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills zero-valued fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/chainsync"
	}
	if c.Database.CacheSize == 0 {
		c.Database.CacheSize = 128
	}
	if c.API.Host == "" {
		c.API.Host = "localhost"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Stream.Buffer == 0 {
		c.Stream.Buffer = 1024
	}
	if c.Backfill.LogWorkers == 0 {
		c.Backfill.LogWorkers = 8
	}
	if c.Backfill.BlockWorkers == 0 {
		c.Backfill.BlockWorkers = 4
	}
	if c.Backfill.MaxAttempts == 0 {
		c.Backfill.MaxAttempts = 4
	}
	if c.Backfill.HeaderBatchSize == 0 {
		c.Backfill.HeaderBatchSize = 100
	}
	for i := range c.Networks {
		n := &c.Networks[i]
		if n.RPCTimeout == 0 {
			n.RPCTimeout = 10 * time.Second
		}
		if n.PollingInterval == 0 {
			n.PollingInterval = 2 * time.Second
		}
		if n.FinalityDepth == 0 {
			n.FinalityDepth = 64
		}
		if n.BlockLimit == 0 {
			n.BlockLimit = 2000
		}
	}
}

// LoadFromFile reads a YAML configuration file over the current values.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv applies CHAINSYNC_* environment overrides. Network RPC
// endpoints can be overridden per network via CHAINSYNC_RPC_<NAME>.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("CHAINSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CHAINSYNC_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("CHAINSYNC_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("CHAINSYNC_API_HOST"); v != "" {
		c.API.Host = v
	}
	if v := os.Getenv("CHAINSYNC_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CHAINSYNC_API_PORT %q: %w", v, err)
		}
		c.API.Port = port
	}
	if v := os.Getenv("CHAINSYNC_API_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CHAINSYNC_API_ENABLED %q: %w", v, err)
		}
		c.API.Enabled = enabled
	}
	for i := range c.Networks {
		key := "CHAINSYNC_RPC_" + strings.ToUpper(strings.ReplaceAll(c.Networks[i].Name, "-", "_"))
		if v := os.Getenv(key); v != "" {
			c.Networks[i].RPCEndpoint = v
		}
	}
	return nil
}

// Validate checks the configuration for consistency. Runtime translation
// performs the deeper per-source checks.
func (c *Config) Validate() error {
	if len(c.Networks) == 0 {
		return fmt.Errorf("at least one network is required")
	}
	names := make(map[string]struct{}, len(c.Networks))
	for i := range c.Networks {
		n := &c.Networks[i]
		if n.Name == "" {
			return fmt.Errorf("network %d: name is required", i)
		}
		if _, dup := names[n.Name]; dup {
			return fmt.Errorf("duplicate network name %q", n.Name)
		}
		names[n.Name] = struct{}{}
		if n.RPCEndpoint == "" {
			return fmt.Errorf("network %s: rpc_endpoint is required", n.Name)
		}
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	sourceNames := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Name == "" {
			return fmt.Errorf("source %d: name is required", i)
		}
		key := s.Network + "/" + s.Name
		if _, dup := sourceNames[key]; dup {
			return fmt.Errorf("duplicate source name %q on network %q", s.Name, s.Network)
		}
		sourceNames[key] = struct{}{}
		if _, ok := names[s.Network]; !ok {
			return fmt.Errorf("source %s references unknown network %q", s.Name, s.Network)
		}
	}
	return nil
}

// Load reads configuration with the standard precedence:
// defaults, then file, then environment, then validation.
func Load(configFile string) (*Config, error) {
	c := NewConfig()
	if configFile != "" {
		if err := c.LoadFromFile(configFile); err != nil {
			return nil, err
		}
	}
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// ToNetwork translates a network declaration into its runtime form.
func (n *NetworkConfig) ToNetwork() *source.Network {
	return &source.Network{
		Name:            n.Name,
		ChainID:         n.ChainID,
		PollingInterval: n.PollingInterval,
		MaxRPS:          n.MaxRPS,
		FinalityDepth:   n.FinalityDepth,
		BlockLimit:      n.BlockLimit,
	}
}

func parseKind(kind string) (source.Kind, error) {
	switch kind {
	case "log":
		return source.KindLog, nil
	case "trace":
		return source.KindTrace, nil
	case "transaction":
		return source.KindTransaction, nil
	case "transfer":
		return source.KindTransfer, nil
	case "block":
		return source.KindBlock, nil
	default:
		return 0, fmt.Errorf("unknown source kind %q", kind)
	}
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseAddressSpec(addresses []string, factory *FactoryConfig) (source.AddressSpec, error) {
	if factory != nil {
		if len(addresses) > 0 {
			return source.AddressSpec{}, fmt.Errorf("addresses and factory are mutually exclusive")
		}
		addr, err := parseAddress(factory.Address)
		if err != nil {
			return source.AddressSpec{}, fmt.Errorf("factory: %w", err)
		}
		selector := common.HexToHash(factory.EventSelector)
		if selector == (common.Hash{}) {
			return source.AddressSpec{}, fmt.Errorf("factory: event_selector is required")
		}
		return source.FactoryAddress(source.Factory{
			Address:       addr,
			EventSelector: selector,
			TopicIndex:    factory.TopicIndex,
			DataWord:      factory.DataWord,
		}), nil
	}

	parsed := make([]common.Address, 0, len(addresses))
	for _, a := range addresses {
		addr, err := parseAddress(a)
		if err != nil {
			return source.AddressSpec{}, err
		}
		parsed = append(parsed, addr)
	}
	return source.AddressesOf(parsed...), nil
}

// ToSource translates a source declaration into its runtime form.
func (s *SourceConfig) ToSource(network *NetworkConfig) (*source.Source, error) {
	kind, err := parseKind(s.Kind)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", s.Name, err)
	}

	src := &source.Source{
		Name:      s.Name,
		Network:   s.Network,
		ChainID:   network.ChainID,
		Kind:      kind,
		FromBlock: s.FromBlock,
		ToBlock:   s.ToBlock,
		CallType:  s.CallType,
		Interval:  s.Interval,
		Offset:    s.Offset,
	}

	if src.Address, err = parseAddressSpec(s.Addresses, s.Factory); err != nil {
		return nil, fmt.Errorf("source %s: %w", s.Name, err)
	}
	if src.FromAddress, err = parseAddressSpec(s.FromAddresses, s.FromFactory); err != nil {
		return nil, fmt.Errorf("source %s: from: %w", s.Name, err)
	}
	if src.ToAddress, err = parseAddressSpec(s.ToAddresses, s.ToFactory); err != nil {
		return nil, fmt.Errorf("source %s: to: %w", s.Name, err)
	}

	if len(s.Topics) > 4 {
		return nil, fmt.Errorf("source %s: at most four topic slots allowed", s.Name)
	}
	for slot, values := range s.Topics {
		for _, v := range values {
			src.Topics[slot] = append(src.Topics[slot], common.HexToHash(v))
		}
	}

	if err := src.Validate(); err != nil {
		return nil, err
	}
	return src, nil
}
