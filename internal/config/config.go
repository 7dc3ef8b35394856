package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/viper"

	"github.com/iggydv12/maison/internal/issuer"
	"github.com/iggydv12/maison/internal/ledger"
	"github.com/iggydv12/maison/internal/units"
)

// EnvPrefix prefixes every environment override, e.g. MAISON_NODE_REST_ADDR.
const EnvPrefix = "MAISON"

// Config is the root configuration struct
type Config struct {
	Node        NodeConfig        `mapstructure:"node" yaml:"node"`
	Admin       string            `mapstructure:"admin" yaml:"admin"`
	Marketplace MarketplaceConfig `mapstructure:"marketplace" yaml:"marketplace"`
	Issuer      IssuerConfig      `mapstructure:"issuer" yaml:"issuer"`
	Genesis     GenesisConfig     `mapstructure:"genesis" yaml:"genesis"`
}

// NodeConfig holds per-node configuration
type NodeConfig struct {
	DataDir         string        `mapstructure:"dataDir" yaml:"dataDir"`
	Storage         StorageConfig `mapstructure:"storage" yaml:"storage"`
	REST            RESTConfig    `mapstructure:"rest" yaml:"rest"`
	Journal         JournalConfig `mapstructure:"journal" yaml:"journal"`
	OpenRetries     uint          `mapstructure:"openRetries" yaml:"openRetries"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout" yaml:"shutdownTimeout"`
}

// StorageConfig selects the key-value engine
type StorageConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
}

// RESTConfig holds the HTTP listener settings
type RESTConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// JournalConfig locates the notification journal. An empty path keeps it in memory.
type JournalConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MarketplaceConfig holds the marketplace contract settings
type MarketplaceConfig struct {
	Address        string `mapstructure:"address" yaml:"address"`
	MinListingFee  string `mapstructure:"minListingFee" yaml:"minListingFee"`
	AdminIsBrand   bool   `mapstructure:"adminIsBrand" yaml:"adminIsBrand"`
	AdminBrandName string `mapstructure:"adminBrandName" yaml:"adminBrandName"`
}

// IssuerConfig holds the token issuer settings
type IssuerConfig struct {
	Address       string `mapstructure:"address" yaml:"address"`
	BaseURI       string `mapstructure:"baseURI" yaml:"baseURI"`
	MinMintFee    string `mapstructure:"minMintFee" yaml:"minMintFee"`
	AdminOnly     bool   `mapstructure:"adminOnly" yaml:"adminOnly"`
	OncePerCaller bool   `mapstructure:"oncePerCaller" yaml:"oncePerCaller"`
}

// GenesisConfig funds accounts the first time the node starts on an empty store
type GenesisConfig struct {
	Balances map[string]string `mapstructure:"balances" yaml:"balances"`
}

// Settings is the validated, typed view of Config.
type Settings struct {
	DataDir         string
	Backend         string
	StatePath       string
	RESTAddr        string
	JournalPath     string
	OpenRetries     uint
	ShutdownTimeout time.Duration
	Admin           common.Address
	Marketplace     ledger.Config
	Issuer          issuer.Config
	Genesis         map[common.Address]*uint256.Int
}

// Load reads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("node.dataDir", "data")
	v.SetDefault("node.storage.backend", "pebble")
	v.SetDefault("node.rest.addr", ":8080")
	v.SetDefault("node.journal.path", "")
	v.SetDefault("node.openRetries", 3)
	v.SetDefault("node.shutdownTimeout", 10*time.Second)
	v.SetDefault("admin", "")
	v.SetDefault("marketplace.address", "0x000000000000000000000000000000000000a001")
	v.SetDefault("marketplace.minListingFee", "1 ether")
	v.SetDefault("marketplace.adminIsBrand", true)
	v.SetDefault("marketplace.adminBrandName", "Maison")
	v.SetDefault("issuer.address", "0x000000000000000000000000000000000000a002")
	v.SetDefault("issuer.baseURI", "")
	v.SetDefault("issuer.minMintFee", "0.0001 ether")
	v.SetDefault("issuer.adminOnly", false)
	v.SetDefault("issuer.oncePerCaller", false)
	v.SetDefault("genesis.balances", map[string]string{})

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks addresses and amounts and returns the typed settings.
func (c *Config) Validate() (*Settings, error) {
	s := &Settings{
		DataDir:         c.Node.DataDir,
		Backend:         strings.ToLower(c.Node.Storage.Backend),
		RESTAddr:        c.Node.REST.Addr,
		JournalPath:     c.Node.Journal.Path,
		OpenRetries:     c.Node.OpenRetries,
		ShutdownTimeout: c.Node.ShutdownTimeout,
		Genesis:         make(map[common.Address]*uint256.Int, len(c.Genesis.Balances)),
	}
	switch s.Backend {
	case "memory":
	case "pebble", "badger":
		if s.DataDir == "" {
			return nil, fmt.Errorf("node.dataDir is required for the %s backend", s.Backend)
		}
		s.StatePath = filepath.Join(s.DataDir, "state")
	default:
		return nil, fmt.Errorf("node.storage.backend: unknown backend %q", c.Node.Storage.Backend)
	}
	if s.OpenRetries == 0 {
		s.OpenRetries = 1
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = 10 * time.Second
	}

	var err error
	if s.Admin, err = address("admin", c.Admin); err != nil {
		return nil, err
	}

	mktAddr, err := address("marketplace.address", c.Marketplace.Address)
	if err != nil {
		return nil, err
	}
	minListing, err := amount("marketplace.minListingFee", c.Marketplace.MinListingFee)
	if err != nil {
		return nil, err
	}
	s.Marketplace = ledger.Config{
		Admin:          s.Admin,
		Address:        mktAddr,
		MinListingFee:  minListing,
		AdminIsBrand:   c.Marketplace.AdminIsBrand,
		AdminBrandName: c.Marketplace.AdminBrandName,
	}

	issuerAddr, err := address("issuer.address", c.Issuer.Address)
	if err != nil {
		return nil, err
	}
	if issuerAddr == mktAddr {
		return nil, errors.New("issuer.address and marketplace.address must differ")
	}
	minMint, err := amount("issuer.minMintFee", c.Issuer.MinMintFee)
	if err != nil {
		return nil, err
	}
	s.Issuer = issuer.Config{
		Admin:   s.Admin,
		Address: issuerAddr,
		BaseURI: c.Issuer.BaseURI,
		Policy: issuer.Policy{
			MinMintFee:    minMint,
			AdminOnly:     c.Issuer.AdminOnly,
			OncePerCaller: c.Issuer.OncePerCaller,
		},
	}

	for k, v := range c.Genesis.Balances {
		addr, err := address("genesis.balances", k)
		if err != nil {
			return nil, err
		}
		amt, err := amount("genesis.balances."+k, v)
		if err != nil {
			return nil, err
		}
		s.Genesis[addr] = amt
	}

	return s, nil
}

func address(key, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, fmt.Errorf("%s is required", key)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", key, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s: zero address", key)
	}
	return addr, nil
}

func amount(key, s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := units.ParseAmount(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
