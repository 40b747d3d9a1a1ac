// Package config reads the juror client configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"juryflow/batch"
	"juryflow/metadata"
	"juryflow/registry"
	"juryflow/signer"
)

// Environment selects a network preset.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// SecretBackend selects where vote secrets are kept.
type SecretBackend string

const (
	SecretFile     SecretBackend = "file"
	SecretPostgres SecretBackend = "postgres"
	SecretMemory   SecretBackend = "memory"
)

// Network is the chain a preset points at.
type Network struct {
	Name       string
	ChainID    *big.Int
	RPCURL     string
	Explorer   string
	StakeToken common.Address
}

var (
	baseSepolia = Network{
		Name:       "Base Sepolia",
		ChainID:    big.NewInt(84532),
		RPCURL:     "https://sepolia.base.org",
		Explorer:   "https://sepolia.basescan.org",
		StakeToken: common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
	}
	baseMainnet = Network{
		Name:       "Base",
		ChainID:    big.NewInt(8453),
		RPCURL:     "https://mainnet.base.org",
		Explorer:   "https://basescan.org",
		StakeToken: common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
	}
)

var presets = map[Environment]Network{
	Development: baseSepolia,
	Staging:     baseSepolia,
	Production:  baseMainnet,
}

var ErrMissingRegistry = errors.New("config: JURYFLOW_REGISTRY is required")

type Config struct {
	Env      Environment
	Network  Network
	Registry common.Address

	IPFSGateway string

	SecretBackend SecretBackend
	SecretFile    string
	DatabaseURL   string

	Signer signer.Config

	BatchSize   int
	BatchPause  time.Duration
	ReceiptPoll time.Duration
	Verbosity   int
}

// FromEnv loads the configuration from the process environment.
func FromEnv() (Config, error) {
	return Load(os.Getenv)
}

// Load builds a Config from getenv. Network values come from the preset of
// JURYFLOW_ENV and can be overridden one by one.
func Load(getenv func(string) string) (Config, error) {
	env := Environment(strings.ToLower(strings.TrimSpace(getenv("JURYFLOW_ENV"))))
	if env == "" {
		env = Development
	}
	network, ok := presets[env]
	if !ok {
		return Config{}, fmt.Errorf("config: unknown environment %q", env)
	}
	network.ChainID = new(big.Int).Set(network.ChainID)

	cfg := Config{
		Env:           env,
		Network:       network,
		IPFSGateway:   metadata.DefaultGateway,
		SecretBackend: SecretFile,
		SecretFile:    defaultSecretFile(),
		DatabaseURL:   getenv("DATABASE_URL"),
		BatchSize:     batch.DefaultSize,
		BatchPause:    batch.DefaultPause,
		ReceiptPoll:   registry.DefaultReceiptPoll,
		Verbosity:     3,
	}

	if v := getenv("JURYFLOW_RPC_URL"); v != "" {
		cfg.Network.RPCURL = v
	}
	if v := getenv("JURYFLOW_CHAIN_ID"); v != "" {
		id, ok := new(big.Int).SetString(v, 10)
		if !ok || id.Sign() <= 0 {
			return Config{}, fmt.Errorf("config: invalid JURYFLOW_CHAIN_ID %q", v)
		}
		cfg.Network.ChainID = id
	}
	if err := address(getenv, "JURYFLOW_STAKE_TOKEN", &cfg.Network.StakeToken); err != nil {
		return Config{}, err
	}
	if err := address(getenv, "JURYFLOW_REGISTRY", &cfg.Registry); err != nil {
		return Config{}, err
	}
	if cfg.Registry == (common.Address{}) {
		return Config{}, ErrMissingRegistry
	}
	if v := getenv("JURYFLOW_IPFS_GATEWAY"); v != "" {
		cfg.IPFSGateway = v
	}

	if v := getenv("JURYFLOW_SECRET_STORE"); v != "" {
		cfg.SecretBackend = SecretBackend(strings.ToLower(v))
	}
	switch cfg.SecretBackend {
	case SecretFile, SecretMemory:
	case SecretPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("config: DATABASE_URL is required for the postgres secret store")
		}
	default:
		return Config{}, fmt.Errorf("config: unknown secret store %q", cfg.SecretBackend)
	}
	if v := getenv("JURYFLOW_SECRET_FILE"); v != "" {
		cfg.SecretFile = v
	}

	cfg.Signer = signer.Config{
		Mode:       signer.Mode(strings.ToLower(getenv("JURYFLOW_SIGNER"))),
		PrivateKey: getenv("JURYFLOW_PRIVATE_KEY"),
		RemoteURL:  getenv("JURYFLOW_SIGNER_URL"),
	}
	if cfg.Signer.Mode == "" {
		cfg.Signer.Mode = signer.ModeEmbedded
	}
	if err := address(getenv, "JURYFLOW_SIGNER_ACCOUNT", &cfg.Signer.Account); err != nil {
		return Config{}, err
	}
	if v := getenv("JURYFLOW_SIGNER_JWT_SECRET"); v != "" {
		secret, err := hexutil.Decode(ensureHexPrefix(v))
		if err != nil {
			return Config{}, fmt.Errorf("config: JURYFLOW_SIGNER_JWT_SECRET: %w", err)
		}
		cfg.Signer.JWTSecret = secret
	}

	var err error
	if cfg.BatchSize, err = intVar(getenv, "JURYFLOW_BATCH_SIZE", cfg.BatchSize); err != nil {
		return Config{}, err
	}
	if cfg.BatchPause, err = durationVar(getenv, "JURYFLOW_BATCH_PAUSE", cfg.BatchPause); err != nil {
		return Config{}, err
	}
	if cfg.ReceiptPoll, err = durationVar(getenv, "JURYFLOW_RECEIPT_POLL", cfg.ReceiptPoll); err != nil {
		return Config{}, err
	}
	if cfg.Verbosity, err = intVar(getenv, "JURYFLOW_VERBOSITY", cfg.Verbosity); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ExplorerTx returns the block explorer link of a transaction.
func (c Config) ExplorerTx(hash common.Hash) string {
	return strings.TrimRight(c.Network.Explorer, "/") + "/tx/" + hash.Hex()
}

func defaultSecretFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".juryflow", "secrets.json")
	}
	return filepath.Join(home, ".juryflow", "secrets.json")
}

func address(getenv func(string) string, name string, dst *common.Address) error {
	v := strings.TrimSpace(getenv(name))
	if v == "" {
		return nil
	}
	if !common.IsHexAddress(v) {
		return fmt.Errorf("config: %s is not an address: %q", name, v)
	}
	*dst = common.HexToAddress(v)
	return nil
}

func intVar(getenv func(string) string, name string, def int) (int, error) {
	v := getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("config: invalid %s %q", name, v)
	}
	return n, nil
}

func durationVar(getenv func(string) string, name string, def time.Duration) (time.Duration, error) {
	v := getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("config: invalid %s %q", name, v)
	}
	return d, nil
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
