package signer

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// Mode selects the signer variant.
type Mode string

const (
	ModeEmbedded Mode = "embedded"
	ModeExternal Mode = "external"
)

// Config describes how to connect. PrivateKey is used by ModeEmbedded;
// RemoteURL, Account and JWTSecret by ModeExternal.
type Config struct {
	Mode       Mode
	PrivateKey string
	RemoteURL  string
	Account    common.Address
	JWTSecret  []byte
}

// Connection owns the active signer. It implements Signer itself so callers
// hold one value and never see which variant sits underneath.
type Connection struct {
	mu     sync.RWMutex
	active Signer
	mode   Mode
	closer func()
	logger log.Logger
}

// Connect selects and opens the variant named by cfg.Mode.
func Connect(ctx context.Context, cfg Config, logger log.Logger) (*Connection, error) {
	if logger == nil {
		logger = log.Root()
	}
	c := &Connection{mode: cfg.Mode, logger: logger.New("module", "signer")}

	switch cfg.Mode {
	case ModeEmbedded, "":
		ks, err := KeySignerFromHex(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		c.active = ks
		c.mode = ModeEmbedded
	case ModeExternal:
		if cfg.Account == (common.Address{}) {
			return nil, fmt.Errorf("signer: external mode requires an account address")
		}
		rs, err := DialRemote(ctx, cfg.RemoteURL, cfg.Account, cfg.JWTSecret)
		if err != nil {
			return nil, err
		}
		c.active = rs
		c.closer = rs.Close
	default:
		return nil, fmt.Errorf("signer: unknown mode %q", cfg.Mode)
	}

	c.logger.Info("Wallet connected", "mode", c.mode, "account", c.active.Address())
	return c, nil
}

// NewConnection wraps an already constructed signer.
func NewConnection(s Signer, mode Mode) *Connection {
	return &Connection{active: s, mode: mode, logger: log.Root().New("module", "signer")}
}

func (c *Connection) Mode() Mode {
	return c.mode
}

// Connected reports whether a signer is active.
func (c *Connection) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active != nil
}

// Address returns the active account, or the zero address when disconnected.
func (c *Connection) Address() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return common.Address{}
	}
	return c.active.Address()
}

func (c *Connection) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	c.mu.RLock()
	active := c.active
	c.mu.RUnlock()
	if active == nil {
		return nil, ErrNotConnected
	}
	return active.SignTx(ctx, tx, chainID)
}

// Disconnect drops the active signer. It is safe to call more than once.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return
	}
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
	c.logger.Info("Wallet disconnected", "mode", c.mode)
	c.active = nil
}
