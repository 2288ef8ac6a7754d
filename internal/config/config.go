// Package config handles loading, validation and creation of the node's
// YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"threshold-federation/internal/keys"
	"threshold-federation/internal/types"
)

// Manager handles configuration loading, validation, and management
type Manager struct {
	keyManager *keys.KeyManager
}

// NewManager creates a new configuration manager with dependencies
func NewManager(keyManager *keys.KeyManager) *Manager {
	return &Manager{
		keyManager: keyManager,
	}
}

// LoadConfig loads configuration from the specified file path. A missing
// file is created from defaults; an empty node private key is generated
// and written back.
func (m *Manager) LoadConfig(filePath string) (*types.Config, error) {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		cfg := types.DefaultConfig()
		if err := m.CreateConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	var cfg types.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	applyDefaults(&cfg)

	// Generate private key if empty
	if cfg.Node.PrivateKey == "" {
		privateKey, err := m.keyManager.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate private key: %w", err)
		}
		cfg.Node.PrivateKey = privateKey

		if err := m.SaveConfig(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("failed to save config with generated private key: %w", err)
		}
	}

	if err := m.ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// CreateConfigFile creates a new configuration file with the given config
func (m *Manager) CreateConfigFile(filePath string, cfg *types.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// SaveConfig saves the configuration to the specified file
func (m *Manager) SaveConfig(filePath string, cfg *types.Config) error {
	return m.CreateConfigFile(filePath, cfg)
}

// ValidateConfig validates the configuration structure and values
func (m *Manager) ValidateConfig(cfg *types.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := m.validateNodeConfig(cfg); err != nil {
		return fmt.Errorf("node config validation failed: %w", err)
	}

	if err := validateFederationConfig(&cfg.Federation); err != nil {
		return fmt.Errorf("federation config validation failed: %w", err)
	}

	if err := validateNetworkConfig(&cfg.Network); err != nil {
		return fmt.Errorf("network config validation failed: %w", err)
	}

	if err := validatePoolConfig(&cfg.Pool); err != nil {
		return fmt.Errorf("pool config validation failed: %w", err)
	}

	if err := validateConsensusConfig(&cfg.Consensus); err != nil {
		return fmt.Errorf("consensus config validation failed: %w", err)
	}

	if err := validateLoggingConfig(&cfg.Logging); err != nil {
		return fmt.Errorf("logging config validation failed: %w", err)
	}

	return nil
}

func (m *Manager) validateNodeConfig(cfg *types.Config) error {
	if cfg.Node.ID == 0 {
		return fmt.Errorf("node.id must be a positive ordinal")
	}
	if !cfg.Federation.HasMember(cfg.Node.ID) {
		return fmt.Errorf("node.id %s is not listed in federation.members", cfg.Node.ID)
	}
	return m.keyManager.ValidatePrivateKey(cfg.Node.PrivateKey)
}

func validateFederationConfig(cfg *types.FederationConfig) error {
	if len(cfg.Members) == 0 {
		return fmt.Errorf("federation.members cannot be empty")
	}

	seen := make(map[types.NodeID]bool, len(cfg.Members))
	for i, member := range cfg.Members {
		if member.ID == 0 {
			return fmt.Errorf("member at index %d has no id", i)
		}
		if seen[member.ID] {
			return fmt.Errorf("duplicate member id %s", member.ID)
		}
		seen[member.ID] = true

		for _, addr := range member.Addresses {
			if err := validateMultiaddr(addr); err != nil {
				return fmt.Errorf("member %s: %w", member.ID, err)
			}
		}
	}

	if cfg.Threshold < 1 || cfg.Threshold > len(cfg.Members) {
		return fmt.Errorf("federation.threshold must be between 1 and %d, got %d",
			len(cfg.Members), cfg.Threshold)
	}

	return nil
}

func validateNetworkConfig(cfg *types.NetworkConfig) error {
	if len(cfg.Addresses) == 0 {
		return fmt.Errorf("network.addresses cannot be empty")
	}

	for i, addr := range cfg.Addresses {
		if err := validateMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid address at index %d: %w", i, err)
		}
	}

	if cfg.ConnectionTimeout < time.Second {
		return fmt.Errorf("network.connection_timeout must be at least 1 second")
	}

	return nil
}

func validatePoolConfig(cfg *types.PoolConfig) error {
	if cfg.MinSize < 0 {
		return fmt.Errorf("pool.min_size cannot be negative")
	}
	if cfg.TargetSize < cfg.MinSize {
		return fmt.Errorf("pool.target_size must be at least pool.min_size")
	}
	if cfg.MaxSize < cfg.TargetSize {
		return fmt.Errorf("pool.max_size must be at least pool.target_size")
	}
	if cfg.BatchCap < 1 {
		return fmt.Errorf("pool.batch_cap must be at least 1")
	}
	if cfg.UnitTTL <= 0 {
		return fmt.Errorf("pool.unit_ttl must be positive")
	}
	if cfg.MaintainInterval <= 0 {
		return fmt.Errorf("pool.maintain_interval must be positive")
	}
	if cfg.LockTTL <= 0 {
		return fmt.Errorf("pool.lock_ttl must be positive")
	}
	return nil
}

func validateConsensusConfig(cfg *types.ConsensusConfig) error {
	if cfg.VoteDeadline <= 0 {
		return fmt.Errorf("consensus.vote_deadline must be positive")
	}
	if cfg.RetryCap < 0 {
		return fmt.Errorf("consensus.retry_cap cannot be negative")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("consensus.poll_interval must be positive")
	}
	return nil
}

func validateLoggingConfig(cfg *types.LoggingConfig) error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validFormats[cfg.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// validateMultiaddr validates a multiaddr string format
func validateMultiaddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if _, err := multiaddr.NewMultiaddr(addr); err != nil {
		return fmt.Errorf("invalid multiaddr %q: %w", addr, err)
	}

	return nil
}

// applyDefaults fills unset sections with the defaults so a partial config
// file stays usable.
func applyDefaults(cfg *types.Config) {
	def := types.DefaultConfig()

	if cfg.Network.ConnectionTimeout == 0 {
		cfg.Network.ConnectionTimeout = def.Network.ConnectionTimeout
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = def.Storage.Path
	}
	if cfg.Ceremonies.JoinTimeout == 0 {
		cfg.Ceremonies.JoinTimeout = def.Ceremonies.JoinTimeout
	}
	if cfg.Ceremonies.RoundTimeout == 0 {
		cfg.Ceremonies.RoundTimeout = def.Ceremonies.RoundTimeout
	}
	if cfg.Ceremonies.CollectTimeout == 0 {
		cfg.Ceremonies.CollectTimeout = def.Ceremonies.CollectTimeout
	}
	if cfg.Pool.TargetSize == 0 {
		cfg.Pool = def.Pool
	}
	if cfg.Consensus.VoteDeadline == 0 {
		cfg.Consensus.VoteDeadline = def.Consensus.VoteDeadline
	}
	if cfg.Consensus.RetryCap == 0 {
		cfg.Consensus.RetryCap = def.Consensus.RetryCap
	}
	if cfg.Consensus.StuckThreshold == 0 {
		cfg.Consensus.StuckThreshold = def.Consensus.StuckThreshold
	}
	if cfg.Consensus.PollInterval == 0 {
		cfg.Consensus.PollInterval = def.Consensus.PollInterval
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
}

// LoadConfig is a convenience function that creates a manager and loads config
func LoadConfig(filePath string) (*types.Config, error) {
	keyManager := keys.NewKeyManager()
	configManager := NewManager(keyManager)
	return configManager.LoadConfig(filePath)
}
