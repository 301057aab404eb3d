package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/lexitnft/voucher-service/internal/voucher"
)

type Config struct {
	Redis   RedisConfig
	Chain   ChainConfig
	Signer  SignerConfig
	Domains DomainConfig
	API     APIConfig
	Server  ServerConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ChainConfig struct {
	// RPCURL, when set, is used to discover the chain id and read token ownership.
	RPCURL  string `mapstructure:"rpc_url"`
	ChainID int64  `mapstructure:"chain_id"`
}

type SignerConfig struct {
	PrivateKey       string `mapstructure:"private_key"`
	Keystore         string `mapstructure:"keystore"`
	KeystorePassword string `mapstructure:"keystore_password"`
	RemoteAddr       string `mapstructure:"remote_addr"`
	Scheme           string `mapstructure:"scheme"`

	// PromptPassword is set when a keystore is configured without SIGNER_KEYSTORE_PASSWORD.
	PromptPassword bool `mapstructure:"-"`
}

type DomainConfig struct {
	MarketName     string `mapstructure:"market_name"`
	CollectionName string `mapstructure:"collection_name"`
	Version        string `mapstructure:"version"`
}

type APIConfig struct {
	// Operators is a comma-separated allowlist of wallets that may request signatures. Empty
	// disables issuance.
	Operators        string `mapstructure:"operators"`
	CollectionIssuer string `mapstructure:"collection_issuer"`
	AuthWindowSec    int64  `mapstructure:"auth_window_sec"`
}

type ServerConfig struct {
	Port          int `mapstructure:"port"`
	KeyholderPort int `mapstructure:"keyholder_port"`

	// KeyholderHost is the interface the key holder binds. It signs for any caller that can
	// reach it, so it defaults to loopback.
	KeyholderHost string `mapstructure:"keyholder_host"`
}

// KeyholderAddr is the listen address of the key holder.
func (s ServerConfig) KeyholderAddr() string {
	return net.JoinHostPort(s.KeyholderHost, strconv.Itoa(s.KeyholderPort))
}

// Load reads the voucherd configuration.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

// LoadKeyholder reads the configuration of the remote signing daemon, which needs only a
// local key.
func LoadKeyholder() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	return cfg, cfg.validateKeyholder()
}

func load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.keyholder_host", "127.0.0.1")
	v.SetDefault("server.keyholder_port", 9090)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("signer.scheme", "eip191-digest")
	v.SetDefault("domains.market_name", "LEXITNFT")
	v.SetDefault("domains.collection_name", "Transformers")
	v.SetDefault("domains.version", "1")
	v.SetDefault("api.auth_window_sec", 300)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":               "REDIS_ADDR",
		"redis.password":           "REDIS_PASSWORD",
		"chain.rpc_url":            "RPC_URL",
		"chain.chain_id":           "CHAIN_ID",
		"signer.private_key":       "SIGNER_PRIVATE_KEY",
		"signer.keystore":          "SIGNER_KEYSTORE",
		"signer.keystore_password": "SIGNER_KEYSTORE_PASSWORD",
		"signer.remote_addr":       "SIGNER_REMOTE_ADDR",
		"signer.scheme":            "SIGNING_SCHEME",
		"domains.market_name":      "MARKET_DOMAIN_NAME",
		"domains.collection_name":  "COLLECTION_DOMAIN_NAME",
		"domains.version":          "DOMAIN_VERSION",
		"api.operators":            "API_OPERATORS",
		"api.collection_issuer":    "COLLECTION_ISSUER",
		"api.auth_window_sec":      "AUTH_WINDOW_SEC",
		"server.port":              "PORT",
		"server.keyholder_host":    "KEYHOLDER_HOST",
		"server.keyholder_port":    "KEYHOLDER_PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Signer.PromptPassword = cfg.Signer.Keystore != "" && !v.IsSet("signer.keystore_password")
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Signer.PrivateKey == "" && c.Signer.Keystore == "" && c.Signer.RemoteAddr == "" {
		return fmt.Errorf("required config missing: SIGNER_PRIVATE_KEY, SIGNER_KEYSTORE or SIGNER_REMOTE_ADDR")
	}
	if c.Chain.RPCURL == "" && c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: RPC_URL or CHAIN_ID")
	}
	if _, err := voucher.SchemeByName(c.Signer.Scheme); err != nil {
		return fmt.Errorf("invalid SIGNING_SCHEME: %w", err)
	}
	if _, err := c.OperatorAddresses(); err != nil {
		return err
	}
	if c.API.CollectionIssuer != "" && !common.IsHexAddress(c.API.CollectionIssuer) {
		return fmt.Errorf("invalid COLLECTION_ISSUER %q", c.API.CollectionIssuer)
	}
	return c.validateDomains()
}

func (c *Config) validateKeyholder() error {
	if c.Signer.PrivateKey == "" && c.Signer.Keystore == "" {
		return fmt.Errorf("required config missing: SIGNER_PRIVATE_KEY or SIGNER_KEYSTORE")
	}
	if c.Signer.RemoteAddr != "" {
		return fmt.Errorf("SIGNER_REMOTE_ADDR must not be set for the key holder")
	}
	return nil
}

func (c *Config) validateDomains() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Domains.MarketName, "MARKET_DOMAIN_NAME"},
		{c.Domains.CollectionName, "COLLECTION_DOMAIN_NAME"},
		{c.Domains.Version, "DOMAIN_VERSION"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	return nil
}

// OperatorAddresses parses API_OPERATORS. An empty list leaves issuance closed.
func (c *Config) OperatorAddresses() ([]common.Address, error) {
	var out []common.Address
	for _, s := range strings.Split(c.API.Operators, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid operator address %q in API_OPERATORS", s)
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}
