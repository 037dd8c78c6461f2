package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

var _ Backend = (*MockBackend)(nil)

// CallHandler answers a contract call with values matching the method's outputs.
type CallHandler func(args []interface{}) ([]interface{}, error)

type mockHandler struct {
	method abi.Method
	fn     CallHandler
}

// MockBackend is an in-memory chain: logs, signed transactions, balances and scripted contract calls.
type MockBackend struct {
	mu sync.Mutex

	chainID *big.Int
	head    uint64

	// number of BlockNumber calls that fail before the backend answers
	ProbeFailures int
	// rejects log queries wider than this many blocks, 0 means unlimited
	MaxRange uint64

	logs           []types.Log
	txs            map[common.Hash]*types.Transaction
	receipts       map[common.Hash]*types.Receipt
	receiptFailure map[common.Hash]int
	balances       map[common.Address]*big.Int
	handlers       map[common.Address][]mockHandler

	Queries []ethereum.FilterQuery
	Closed  bool
}

func NewMockBackend(chainID, head uint64) *MockBackend {
	return &MockBackend{
		chainID:        new(big.Int).SetUint64(chainID),
		head:           head,
		txs:            make(map[common.Hash]*types.Transaction),
		receipts:       make(map[common.Hash]*types.Receipt),
		receiptFailure: make(map[common.Hash]int),
		balances:       make(map[common.Address]*big.Int),
		handlers:       make(map[common.Address][]mockHandler),
	}
}

func (m *MockBackend) SetHead(head uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head = head
}

// Handle scripts a contract method. It panics when the method is not part of the named ABI.
func (m *MockBackend) Handle(contract common.Address, abiName, method string, fn CallHandler) {
	parsed, err := LoadABI(abiName)
	if err != nil {
		panic(err)
	}
	meth, ok := parsed.Methods[method]
	if !ok {
		panic("method " + method + " not found in " + abiName)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	hs := m.handlers[contract]
	for i, h := range hs {
		if h.method.Name == method {
			hs[i].fn = fn
			return
		}
	}
	m.handlers[contract] = append(hs, mockHandler{method: meth, fn: fn})
}

// Return scripts a method with fixed outputs.
func (m *MockBackend) Return(contract common.Address, abiName, method string, values ...interface{}) {
	m.Handle(contract, abiName, method, func([]interface{}) ([]interface{}, error) {
		return values, nil
	})
}

func (m *MockBackend) SetBalance(account common.Address, balance *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = balance
}

// FailReceipt makes the next n receipt lookups of hash fail like a rate limited provider.
func (m *MockBackend) FailReceipt(hash common.Hash, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiptFailure[hash] = n
}

// AddLog stores a log and appends it to the receipt of its transaction.
func (m *MockBackend) AddLog(l types.Log) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, l)

	r, ok := m.receipts[l.TxHash]
	if !ok {
		r = &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			TxHash:      l.TxHash,
			BlockNumber: new(big.Int).SetUint64(l.BlockNumber),
		}
		m.receipts[l.TxHash] = r
	}
	cp := l
	r.Logs = append(r.Logs, &cp)
}

// AddSignedTransaction stores a legacy transaction signed by key and returns its hash.
func (m *MockBackend) AddSignedTransaction(key *ecdsa.PrivateKey, nonce uint64) (common.Hash, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(1),
		Gas:      21000,
		Value:    big.NewInt(0),
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(m.chainID), key)
	if err != nil {
		return common.Hash{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[signed.Hash()] = signed
	return signed.Hash(), nil
}

func (m *MockBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.chainID), nil
}

func (m *MockBackend) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ProbeFailures > 0 {
		m.ProbeFailures--
		return 0, errors.New("503 service unavailable")
	}
	return m.head, nil
}

func (m *MockBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Queries = append(m.Queries, q)

	if m.MaxRange > 0 && q.FromBlock != nil && q.ToBlock != nil {
		if q.ToBlock.Uint64()-q.FromBlock.Uint64()+1 > m.MaxRange {
			return nil, errors.New("block range too large")
		}
	}

	var out []types.Log
	for _, l := range m.logs {
		if logMatches(q, l) {
			out = append(out, l)
		}
	}
	return out, nil
}

func logMatches(q ethereum.FilterQuery, l types.Log) bool {
	if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
		return false
	}
	if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
		return false
	}
	if len(q.Addresses) > 0 {
		found := false
		for _, a := range q.Addresses {
			if a == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, set := range q.Topics {
		if len(set) == 0 {
			continue
		}
		if i >= len(l.Topics) {
			return false
		}
		found := false
		for _, topic := range set {
			if topic == l.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (m *MockBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (m *MockBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiptFailure[txHash] > 0 {
		m.receiptFailure[txHash]--
		return nil, errors.New("429 too many requests")
	}
	r, ok := m.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (m *MockBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("invalid call")
	}

	m.mu.Lock()
	hs := append([]mockHandler(nil), m.handlers[*msg.To]...)
	m.mu.Unlock()

	for _, h := range hs {
		if !bytes.Equal(h.method.ID, msg.Data[:4]) {
			continue
		}
		args, err := h.method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		out, err := h.fn(args)
		if err != nil {
			return nil, err
		}
		return h.method.Outputs.Pack(out...)
	}
	return nil, errors.New("execution reverted")
}

func (m *MockBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[account]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(b), nil
}

func (m *MockBackend) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
}

// PackEventData encodes the non-indexed fields of an event.
func PackEventData(abiName, event string, values ...interface{}) ([]byte, error) {
	ev := MustEvent(abiName, event)
	return ev.Inputs.NonIndexed().Pack(values...)
}

// StaticProvider serves fixed readers, used where connections are set up ahead of time.
type StaticProvider map[uint64]Reader

func (p StaticProvider) Reader(ctx context.Context, network uint64) (Reader, error) {
	r, ok := p[network]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownNetwork, "network %d", network)
	}
	return r, nil
}
