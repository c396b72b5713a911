package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var balanceOfSelector = gethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]

// ErrUnavailable reports that the pool balance could not be read.
var ErrUnavailable = errors.New("chain: pool balance unavailable")

// ContractCaller is the subset of the Ethereum RPC used to read ERC-20 state.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// PoolReader reads the reward token balance held by the pool address.
type PoolReader struct {
	client ContractCaller
	token  common.Address
	pool   common.Address
}

// NewPoolReader constructs a reader for token.balanceOf(pool).
func NewPoolReader(client ContractCaller, token, pool string) (*PoolReader, error) {
	if client == nil {
		return nil, fmt.Errorf("chain: client required")
	}
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("chain: invalid token address %q", token)
	}
	if !common.IsHexAddress(pool) {
		return nil, fmt.Errorf("chain: invalid pool address %q", pool)
	}
	return &PoolReader{client: client, token: common.HexToAddress(token), pool: common.HexToAddress(pool)}, nil
}

// PoolBalance returns the pool's token balance at the latest block.
func (r *PoolReader) PoolBalance(ctx context.Context) (*big.Int, error) {
	if r == nil || r.client == nil {
		return nil, fmt.Errorf("%w: reader not initialised", ErrUnavailable)
	}
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(r.pool.Bytes(), 32)...)
	to := r.token
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balanceOf: %v", ErrUnavailable, err)
	}
	if len(out) != 32 {
		return nil, fmt.Errorf("%w: unexpected balanceOf result length %d", ErrUnavailable, len(out))
	}
	return new(big.Int).SetBytes(out), nil
}

// FuncReader adapts a callback to the balance reader contract.
type FuncReader func(ctx context.Context) (*big.Int, error)

// PoolBalance delegates to the callback.
func (f FuncReader) PoolBalance(ctx context.Context) (*big.Int, error) {
	if f == nil {
		return nil, ErrUnavailable
	}
	return f(ctx)
}
