package core

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/dipforum/reconciler/chain"
	"github.com/dipforum/reconciler/repo"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// KV is the slice of the local key value store discovery caches results in.
type KV interface {
	Get(key []byte) []byte
	Put(key, value []byte)
}

// BlockWindows iterates fixed width block ranges backwards from a head block.
// Iteration stops after the window that reaches block 0 or when the budget is spent.
type BlockWindows struct {
	width uint64
	left  uint
	to    uint64
	done  bool

	curFrom uint64
	curTo   uint64
}

func NewBlockWindows(head, width uint64, maxIterations uint) *BlockWindows {
	if width == 0 {
		width = 1
	}
	return &BlockWindows{width: width, left: maxIterations, to: head}
}

func (w *BlockWindows) Next() bool {
	if w.done || w.left == 0 {
		return false
	}
	w.left--

	w.curTo = w.to
	if w.to > w.width {
		w.curFrom = w.to - w.width
	} else {
		w.curFrom = 0
	}

	if w.curFrom == 0 {
		w.done = true
	} else {
		w.to = w.curFrom - 1
	}
	return true
}

// Range is the inclusive window produced by the last Next.
func (w *BlockWindows) Range() (from, to uint64) {
	return w.curFrom, w.curTo
}

// Discovery locates the DAOCreated event of a DAO emitted by the network's factory.
type Discovery struct {
	cfg    repo.Chain
	cache  KV
	logger logrus.FieldLogger
}

func NewDiscovery(cfg repo.Chain, cache KV, logger logrus.FieldLogger) *Discovery {
	return &Discovery{cfg: cfg, cache: cache, logger: logger}
}

func discoveryCacheKey(network uint64, dao common.Address) []byte {
	return []byte(fmt.Sprintf("discovery/%d/%s", network, strings.ToLower(dao.Hex())))
}

func (d *Discovery) Discover(ctx context.Context, r chain.Reader, daoAddress common.Address) (*InitialDaoData, error) {
	logger := d.logger.WithFields(logrus.Fields{"network": r.Network(), "dao": daoAddress.Hex()})

	key := discoveryCacheKey(r.Network(), daoAddress)
	if d.cache != nil {
		if raw := d.cache.Get(key); raw != nil {
			cached := &InitialDaoData{}
			if err := json.Unmarshal(raw, cached); err == nil {
				logger.Debug("discovery served from cache")
				return cached, nil
			}
			logger.Warn("ignore undecodable discovery cache entry")
		}
	}

	network, ok := d.cfg.Network(r.Network())
	if !ok || !common.IsHexAddress(network.FactoryAddress) {
		return nil, validationErrorf("no dao factory configured for network %d", r.Network())
	}
	factory := common.HexToAddress(network.FactoryAddress)

	head, err := r.BlockNumber(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get current block")
	}

	created := chain.MustEvent(chain.DaoABI, "DAOCreated")
	windows := NewBlockWindows(head, d.cfg.ScanBlockRange, d.cfg.DiscoveryMaxIterations)
	for windows.Next() {
		from, to := windows.Range()
		logs, err := r.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{factory},
			Topics:    [][]common.Hash{{created.ID}, {chain.AddressTopic(daoAddress)}},
		})
		if err != nil {
			return nil, errors.Wrapf(err, "get logs %d-%d", from, to)
		}
		if len(logs) == 0 {
			logger.WithFields(logrus.Fields{"from_block": from, "to_block": to}).Debug("no creation event in window")
			continue
		}

		data, err := d.decode(ctx, r, logs[0])
		if err != nil {
			return nil, err
		}
		if data.DaoAddress != daoAddress {
			return nil, validationErrorf("creation event names dao %s", data.DaoAddress.Hex())
		}
		logger.WithField("block", data.BlockNumber).Infof("discovered dao %q", data.DaoName)

		if d.cache != nil {
			if raw, err := json.Marshal(data); err == nil {
				d.cache.Put(key, raw)
			}
		}
		return data, nil
	}

	return nil, errors.Wrapf(ErrNotFound, "dao %s on network %d", daoAddress.Hex(), r.Network())
}

func (d *Discovery) decode(ctx context.Context, r chain.Reader, l types.Log) (*InitialDaoData, error) {
	if len(l.Topics) < 4 {
		return nil, validationErrorf("creation event has %d topics", len(l.Topics))
	}
	data := &InitialDaoData{
		DaoAddress:      chain.TopicAddress(l.Topics[1]),
		TokenAddress:    chain.TopicAddress(l.Topics[2]),
		TreasuryAddress: chain.TopicAddress(l.Topics[3]),
		BlockNumber:     l.BlockNumber,
	}

	created := chain.MustEvent(chain.DaoABI, "DAOCreated")
	values, err := created.Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return nil, errors.Wrap(err, "decode creation event")
	}
	if data.StakingAddress, err = outAddress(values, 0); err != nil {
		return nil, err
	}
	if data.DaoName, err = outString(values, 1); err != nil {
		return nil, err
	}
	if data.Version, err = outString(values, 2); err != nil {
		return nil, err
	}

	if data.Sender, err = r.TransactionSender(ctx, l.TxHash); err != nil {
		return nil, errors.Wrap(err, "resolve dao creator")
	}

	retries := d.cfg.CallRetries
	out, err := callWithRetry(ctx, r, retries, chain.DaoABI, data.TokenAddress, "symbol")
	if err != nil {
		return nil, err
	}
	if data.Symbol, err = outString(out, 0); err != nil {
		return nil, err
	}
	out, err = callWithRetry(ctx, r, retries, chain.DaoABI, data.TokenAddress, "name")
	if err != nil {
		return nil, err
	}
	if data.TokenName, err = outString(out, 0); err != nil {
		return nil, err
	}
	out, err = callWithRetry(ctx, r, retries, chain.DaoABI, data.TokenAddress, "totalSupply")
	if err != nil {
		return nil, err
	}
	if data.TotalSupply, err = outBig(out, 0); err != nil {
		return nil, err
	}
	return data, nil
}
