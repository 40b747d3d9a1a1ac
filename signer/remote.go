package signer

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/golang-jwt/jwt/v5"
)

// rpcCaller abstracts *rpc.Client for testability.
type rpcCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// RemoteSigner asks an external signer (a wallet bridge or clef) to sign
// through eth_signTransaction. Requests carry a short-lived HS256 bearer
// token when a JWT secret is configured.
type RemoteSigner struct {
	client  rpcCaller
	address common.Address
}

type signTxArgs struct {
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to,omitempty"`
	Gas      hexutil.Uint64  `json:"gas"`
	GasPrice *hexutil.Big    `json:"gasPrice"`
	Value    *hexutil.Big    `json:"value"`
	Nonce    hexutil.Uint64  `json:"nonce"`
	Data     hexutil.Bytes   `json:"data"`
	ChainID  *hexutil.Big    `json:"chainId"`
}

type signTxResult struct {
	Raw hexutil.Bytes `json:"raw"`
}

// DialRemote connects to the signer at url for account.
func DialRemote(ctx context.Context, url string, account common.Address, jwtSecret []byte) (*RemoteSigner, error) {
	if url == "" {
		return nil, fmt.Errorf("signer: empty remote signer url")
	}
	var opts []rpc.ClientOption
	if len(jwtSecret) > 0 {
		opts = append(opts, rpc.WithHTTPAuth(bearerAuth(jwtSecret, time.Now)))
	}
	client, err := rpc.DialOptions(ctx, url, opts...)
	if err != nil {
		return nil, fmt.Errorf("signer: dial remote signer: %w", err)
	}
	return newRemoteSigner(client, account), nil
}

func newRemoteSigner(client rpcCaller, account common.Address) *RemoteSigner {
	return &RemoteSigner{client: client, address: account}
}

func (s *RemoteSigner) Address() common.Address {
	return s.address
}

func (s *RemoteSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	args := signTxArgs{
		From:     s.address,
		To:       tx.To(),
		Gas:      hexutil.Uint64(tx.Gas()),
		GasPrice: (*hexutil.Big)(tx.GasPrice()),
		Value:    (*hexutil.Big)(tx.Value()),
		Nonce:    hexutil.Uint64(tx.Nonce()),
		Data:     tx.Data(),
		ChainID:  (*hexutil.Big)(chainID),
	}

	var res signTxResult
	if err := s.client.CallContext(ctx, &res, "eth_signTransaction", args); err != nil {
		return nil, fmt.Errorf("signer: remote sign: %w", err)
	}

	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(res.Raw); err != nil {
		return nil, fmt.Errorf("signer: decode remote signature: %w", err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		return nil, fmt.Errorf("signer: recover remote sender: %w", err)
	}
	if sender != s.address {
		return nil, fmt.Errorf("%w: got %s want %s", ErrSenderMismatch, sender.Hex(), s.address.Hex())
	}
	if signed.Nonce() != tx.Nonce() || signed.Gas() != tx.Gas() || !bytes.Equal(signed.Data(), tx.Data()) {
		return nil, fmt.Errorf("signer: remote signer altered the transaction")
	}
	return signed, nil
}

func (s *RemoteSigner) Close() {
	s.client.Close()
}

// bearerAuth issues a fresh token per request; the signer rejects tokens
// whose iat drifts too far from its clock.
func bearerAuth(secret []byte, now func() time.Time) rpc.HTTPAuth {
	return func(h http.Header) error {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iat": now().Unix(),
		})
		signed, err := token.SignedString(secret)
		if err != nil {
			return fmt.Errorf("signer: sign bearer token: %w", err)
		}
		h.Set("Authorization", "Bearer "+signed)
		return nil
	}
}
