package types

import "time"

// Config represents the complete node configuration
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Federation FederationConfig `yaml:"federation"`
	Network    NetworkConfig    `yaml:"network"`
	Storage    StorageConfig    `yaml:"storage"`
	Ceremonies CeremonyConfig   `yaml:"ceremonies"`
	Pool       PoolConfig       `yaml:"pool"`
	Consensus  ConsensusConfig  `yaml:"consensus"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	ID         NodeID `yaml:"id"`
	PrivateKey string `yaml:"private_key"`
}

// FederationMember describes one member of the signing federation
type FederationMember struct {
	ID        NodeID   `yaml:"id"`
	PublicKey string   `yaml:"public_key"`
	Addresses []string `yaml:"addresses"`
}

// FederationConfig describes the full membership and signing threshold
type FederationConfig struct {
	Members   []FederationMember `yaml:"members"`
	Threshold int                `yaml:"threshold"`
}

// MemberIDs returns the node IDs of all federation members in declared order.
func (f *FederationConfig) MemberIDs() []NodeID {
	ids := make([]NodeID, 0, len(f.Members))
	for _, m := range f.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

// HasMember reports whether the given node ID belongs to the federation.
func (f *FederationConfig) HasMember(id NodeID) bool {
	for _, m := range f.Members {
		if m.ID == id {
			return true
		}
	}
	return false
}

// NetworkConfig contains transport configuration
type NetworkConfig struct {
	Addresses         []string      `yaml:"addresses"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	// APIAddress serves the local admin API and metrics endpoint.
	// Empty disables the listener.
	APIAddress string `yaml:"api_address"`
}

// StorageConfig contains durable store configuration
type StorageConfig struct {
	Path string `yaml:"path"`
}

// CeremonyConfig contains the ceremony bootstrap and round timeouts
type CeremonyConfig struct {
	JoinTimeout    time.Duration `yaml:"join_timeout"`
	RoundTimeout   time.Duration `yaml:"round_timeout"`
	CollectTimeout time.Duration `yaml:"collect_timeout"`
}

// PoolConfig contains presignature pool sizing and maintenance settings
type PoolConfig struct {
	MinSize          int           `yaml:"min_size"`
	TargetSize       int           `yaml:"target_size"`
	MaxSize          int           `yaml:"max_size"`
	BatchCap         int           `yaml:"batch_cap"`
	UnitTTL          time.Duration `yaml:"unit_ttl"`
	MaintainInterval time.Duration `yaml:"maintain_interval"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
}

// ConsensusConfig contains voting and signing driver settings
type ConsensusConfig struct {
	VoteDeadline   time.Duration `yaml:"vote_deadline"`
	RetryCap       int           `yaml:"retry_cap"`
	StuckThreshold time.Duration `yaml:"stuck_threshold"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	ConsoleOutput bool   `yaml:"console_output"`
	FileOutput    bool   `yaml:"file_output"`
	FileName      string `yaml:"file_name"`
	FileMaxSize   string `yaml:"file_max_size"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:         1,
			PrivateKey: "", // Will be generated if empty
		},
		Federation: FederationConfig{
			Threshold: 3,
		},
		Network: NetworkConfig{
			Addresses: []string{
				"/ip4/0.0.0.0/tcp/9000",
				"/ip6/::/tcp/9000",
			},
			ConnectionTimeout: 10 * time.Second,
			APIAddress:        "127.0.0.1:9090",
		},
		Storage: StorageConfig{
			Path: "data",
		},
		Ceremonies: CeremonyConfig{
			JoinTimeout:    30 * time.Second,
			RoundTimeout:   30 * time.Second,
			CollectTimeout: 30 * time.Second,
		},
		Pool: PoolConfig{
			MinSize:          20,
			TargetSize:       100,
			MaxSize:          150,
			BatchCap:         20,
			UnitTTL:          24 * time.Hour,
			MaintainInterval: 10 * time.Second,
			LockTTL:          5 * time.Minute,
		},
		Consensus: ConsensusConfig{
			VoteDeadline:   2 * time.Minute,
			RetryCap:       3,
			StuckThreshold: 5 * time.Minute,
			PollInterval:   5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			ConsoleOutput: true,
		},
	}
}
