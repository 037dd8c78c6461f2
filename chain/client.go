package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of the JSON-RPC client the gateway reads through.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)

	BlockNumber(ctx context.Context) (uint64, error)

	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)

	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)

	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)

	Close()
}

var _ Backend = (*ethclient.Client)(nil)

// Reader is the read-only capability the engine gets for one network.
type Reader interface {
	Network() uint64

	BlockNumber(ctx context.Context) (uint64, error)

	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	TransactionSender(ctx context.Context, hash common.Hash) (common.Address, error)

	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	// Call packs args with the named ABI, executes an eth_call against contract and unpacks the outputs.
	Call(ctx context.Context, abiName string, contract common.Address, method string, args ...interface{}) ([]interface{}, error)

	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// Provider hands out a cached Reader per network id.
type Provider interface {
	Reader(ctx context.Context, network uint64) (Reader, error)
}

// DialFunc opens a backend for an RPC url.
type DialFunc func(ctx context.Context, url string) (Backend, error)

func DialEthclient(ctx context.Context, url string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}
