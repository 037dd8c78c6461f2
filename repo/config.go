package repo

import (
	"time"
)

type Config struct {
	RepoRoot  string    `mapstructure:"-" toml:"-"`
	Database  Database  `mapstructure:"database" toml:"database"`
	Chain     Chain     `mapstructure:"chain" toml:"chain"`
	Scheduler Scheduler `mapstructure:"scheduler" toml:"scheduler"`
	Metrics   Metrics   `mapstructure:"metrics" toml:"metrics"`
	Log       Log       `mapstructure:"log" toml:"log"`
}

type Database struct {
	// postgres or sqlite
	Driver       string `mapstructure:"driver" toml:"driver"`
	DSN          string `mapstructure:"dsn" toml:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" toml:"max_idle_conns"`
}

type Chain struct {
	// width of a single eth_getLogs window, providers reject unbounded ranges
	ScanBlockRange         uint64        `mapstructure:"scan_block_range" toml:"scan_block_range"`
	DiscoveryMaxIterations uint          `mapstructure:"discovery_max_iterations" toml:"discovery_max_iterations"`
	ConnectRetries         uint          `mapstructure:"connect_retries" toml:"connect_retries"`
	ConnectDelay           time.Duration `mapstructure:"connect_delay" toml:"connect_delay"`
	CallRetries            uint          `mapstructure:"call_retries" toml:"call_retries"`
	RequestsPerSecond      float64       `mapstructure:"requests_per_second" toml:"requests_per_second"`
	// minimum wait before reading just-submitted chain data, lets provider log indexes catch up
	PropagationDelay time.Duration `mapstructure:"propagation_delay" toml:"propagation_delay"`
	APIKeyEnv        string        `mapstructure:"api_key_env" toml:"api_key_env"`
	Networks         []Network     `mapstructure:"networks" toml:"networks"`
}

type Network struct {
	ID             uint64 `mapstructure:"id" toml:"id"`
	RPCURL         string `mapstructure:"rpc_url" toml:"rpc_url"`
	FactoryAddress string `mapstructure:"factory_address" toml:"factory_address"`
}

type Scheduler struct {
	TaskRetries        uint          `mapstructure:"task_retries" toml:"task_retries"`
	ProposalRetryDelay time.Duration `mapstructure:"proposal_retry_delay" toml:"proposal_retry_delay"`
	RetryDelay         time.Duration `mapstructure:"retry_delay" toml:"retry_delay"`
	Workers            int           `mapstructure:"workers" toml:"workers"`
	QueueSize          int           `mapstructure:"queue_size" toml:"queue_size"`
	SweepCron          string        `mapstructure:"sweep_cron" toml:"sweep_cron"`
	CleanupCron        string        `mapstructure:"cleanup_cron" toml:"cleanup_cron"`
	DraftTTL           time.Duration `mapstructure:"draft_ttl" toml:"draft_ttl"`
}

type Metrics struct {
	Enabled    bool   `mapstructure:"enabled" toml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" toml:"listen_addr"`
}

type Log struct {
	Level        string        `mapstructure:"level" toml:"level"`
	Filename     string        `mapstructure:"filename" toml:"filename"`
	ReportCaller bool          `mapstructure:"report_caller" toml:"report_caller"`
	MaxAge       time.Duration `mapstructure:"max_age" toml:"max_age"`
	RotationTime time.Duration `mapstructure:"rotation_time" toml:"rotation_time"`
}

func DefaultConfig(repoRoot string) *Config {
	return &Config{
		RepoRoot: repoRoot,
		Database: Database{
			Driver:       "postgres",
			DSN:          "host=localhost user=forum password=forum dbname=forum port=5432 sslmode=disable",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Chain: Chain{
			ScanBlockRange:         100000,
			DiscoveryMaxIterations: 10,
			ConnectRetries:         3,
			ConnectDelay:           2 * time.Second,
			CallRetries:            3,
			RequestsPerSecond:      10,
			PropagationDelay:       15 * time.Second,
			APIKeyEnv:              "DRPC_API_KEY",
			Networks:               DefaultNetworks(),
		},
		Scheduler: Scheduler{
			TaskRetries:        3,
			ProposalRetryDelay: 2 * time.Second,
			RetryDelay:         5 * time.Second,
			Workers:            4,
			QueueSize:          1000,
			SweepCron:          "@every 5m",
			CleanupCron:        "0 0 0 * * *",
			DraftTTL:           24 * time.Hour,
		},
		Metrics: Metrics{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
		Log: Log{
			Level:        "info",
			Filename:     "reconciler.log",
			ReportCaller: false,
			MaxAge:       30 * 24 * time.Hour,
			RotationTime: 24 * time.Hour,
		},
	}
}

const (
	drpcFactory    = "0x8d2D2fb9388B16a51263593323aBBDf80aee54e6"
	sepoliaFactory = "0xcC961E2a43762caD4c673d471b9fcddE233716Dd"
	hardhatFactory = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
)

// DefaultNetworks is the static provider table. Networks without a factory can be read but not discovered.
func DefaultNetworks() []Network {
	return []Network{
		{ID: 1, RPCURL: "https://lb.drpc.org/ogrpc?network=ethereum"},
		{ID: 5, RPCURL: "https://lb.drpc.org/ogrpc?network=goerli"},
		{ID: 10, RPCURL: "https://lb.drpc.org/ogrpc?network=optimism"},
		{ID: 56, RPCURL: "https://lb.drpc.org/ogrpc?network=bsc"},
		{ID: 100, RPCURL: "https://lb.drpc.org/ogrpc?network=gnosis", FactoryAddress: drpcFactory},
		{ID: 130, RPCURL: "https://lb.drpc.org/ogrpc?network=unichain", FactoryAddress: drpcFactory},
		{ID: 137, RPCURL: "https://lb.drpc.org/ogrpc?network=polygon", FactoryAddress: drpcFactory},
		{ID: 480, RPCURL: "https://lb.drpc.org/ogrpc?network=worldchain", FactoryAddress: drpcFactory},
		{ID: 8453, RPCURL: "https://lb.drpc.org/ogrpc?network=base", FactoryAddress: drpcFactory},
		{ID: 42161, RPCURL: "https://lb.drpc.org/ogrpc?network=arbitrum", FactoryAddress: drpcFactory},
		{ID: 11155111, RPCURL: "https://lb.drpc.org/ogrpc?network=sepolia", FactoryAddress: sepoliaFactory},
		{ID: 31337, RPCURL: "http://host.docker.internal:8545", FactoryAddress: hardhatFactory},
	}
}

func (c *Chain) Network(id uint64) (Network, bool) {
	for _, n := range c.Networks {
		if n.ID == id {
			return n, true
		}
	}
	return Network{}, false
}
