package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"coredb/pkg/types"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

const (
	EngineNative = "native"
	EngineEtcd   = "etcd"
)

// Config - root of the member configuration, parsed from YAML and checked
// against the validate tags.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger" validate:"required"`
	Server    ServerConfig    `yaml:"http-server" validate:"required"`
	Member    MemberConfig    `yaml:"member" validate:"required"`
	Raft      RaftConfig      `yaml:"raft" validate:"required"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Proposal  ProposalConfig  `yaml:"proposal" validate:"required"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"required"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"required"`
}

type MemberConfig struct {
	ID      uint64 `yaml:"id" validate:"required,min=1"`
	DataDir string `yaml:"data_dir" validate:"required"`
}

type RaftConfig struct {
	Engine        string           `yaml:"engine" validate:"required,oneof=native etcd"`
	ElectionTick  int              `yaml:"election_tick" validate:"required,min=2"`
	HeartbeatTick int              `yaml:"heartbeat_tick" validate:"required,min=1,ltfield=ElectionTick"`
	TickInterval  time.Duration    `yaml:"tick_interval" validate:"required"`
	RPCTimeout    time.Duration    `yaml:"rpc_timeout" validate:"required"`
	CheckQuorum   bool             `yaml:"check_quorum"`
	PreVote       bool             `yaml:"pre_vote"`
	Peers         []RaftPeerConfig `yaml:"peers" validate:"required,min=1,dive"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id" validate:"required,min=1"`
	Address string `yaml:"address" validate:"required,url"`
}

// DiscoveryConfig enables ZooKeeper address discovery when Servers is set.
type DiscoveryConfig struct {
	Servers  []string `yaml:"zookeeper" validate:"omitempty,dive,hostname_port"`
	RootPath string   `yaml:"root_path" validate:"required_with=Servers"`
}

type ProposalConfig struct {
	Timeout time.Duration `yaml:"timeout" validate:"required"`
}

// Default returns a single-member development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Member: MemberConfig{
			ID:      1,
			DataDir: "./data",
		},
		Raft: RaftConfig{
			Engine:        EngineNative,
			ElectionTick:  10,
			HeartbeatTick: 1,
			TickInterval:  100 * time.Millisecond,
			RPCTimeout:    time.Second,
			CheckQuorum:   true,
			Peers: []RaftPeerConfig{
				{ID: 1, Address: "http://localhost:8080"},
			},
		},
		Discovery: DiscoveryConfig{
			RootPath: "/coredb",
		},
		Proposal: ProposalConfig{
			Timeout: 5 * time.Second,
		},
	}
}

// Load reads path over Default(). A missing file yields Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the tags and the cross-field rules the tags cannot
// express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[uint64]struct{}, len(c.Raft.Peers))
	for _, p := range c.Raft.Peers {
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("invalid config: duplicate peer id %d", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	if _, ok := seen[c.Member.ID]; !ok {
		return fmt.Errorf("invalid config: member %d is not listed in raft.peers", c.Member.ID)
	}
	return nil
}

func (c *Config) MemberID() types.MemberID {
	return types.MemberID(c.Member.ID)
}

func (c *Config) Voters() []types.MemberID {
	out := make([]types.MemberID, 0, len(c.Raft.Peers))
	for _, p := range c.Raft.Peers {
		out = append(out, types.MemberID(p.ID))
	}
	return out
}

// PeerAddrs maps every voter, this member included, to its base URL.
func (c *Config) PeerAddrs() map[types.MemberID]string {
	out := make(map[types.MemberID]string, len(c.Raft.Peers))
	for _, p := range c.Raft.Peers {
		out[types.MemberID(p.ID)] = p.Address
	}
	return out
}

// SelfAddr is the address other members reach this one at.
func (c *Config) SelfAddr() string {
	return c.PeerAddrs()[c.MemberID()]
}
