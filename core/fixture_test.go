package core

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dipforum/reconciler/chain"
	"github.com/dipforum/reconciler/repo"
	"github.com/dipforum/reconciler/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testNetwork = 31337

var (
	daoAddr      = common.HexToAddress("0x1000000000000000000000000000000000000001")
	tokenAddr    = common.HexToAddress("0x2000000000000000000000000000000000000002")
	treasuryAddr = common.HexToAddress("0x3000000000000000000000000000000000000003")
	stakingAddr  = common.HexToAddress("0x4000000000000000000000000000000000000004")
	presaleAddr  = common.HexToAddress("0x6000000000000000000000000000000000000006")
	ownerAddr    = common.HexToAddress("0xA000000000000000000000000000000000000001")
	voterA       = common.HexToAddress("0xB000000000000000000000000000000000000001")
	voterB       = common.HexToAddress("0xB000000000000000000000000000000000000002")
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Get(key []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[string(key)]
}

func (m *memKV) Put(key, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
}

// onchain describes one scripted proposal of the dip contract.
type onchain struct {
	typ          uint8
	forVotes     int64
	againstVotes int64
	endTime      int64
	executed     bool
	data         []interface{}
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	cfg     *repo.Config
	store   *storage.Store
	backend *chain.MockBackend
	engine  *Engine
	cache   *memKV
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	cfg := repo.DefaultConfig(t.TempDir())
	cfg.Chain.PropagationDelay = 0
	cfg.Chain.ScanBlockRange = 1000
	cfg.Chain.CallRetries = 2

	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := storage.Open(repo.Database{
		Driver: storage.DriverSqlite,
		DSN:    "file:" + name + "?mode=memory&cache=shared",
	}, logrus.New())
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = storage.Close(db)
	})

	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		cfg:     cfg,
		store:   storage.NewStore(db),
		backend: chain.NewMockBackend(testNetwork, 5000),
		cache:   newMemKV(),
		now:     time.Unix(1700000000, 0),
	}
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	provider := chain.StaticProvider{testNetwork: chain.NewGateway(testNetwork, f.backend, 0)}
	f.engine = NewEngine(cfg, f.store, provider, logger,
		WithCache(f.cache),
		WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) reader() chain.Reader {
	r, err := f.engine.Provider.Reader(f.ctx, testNetwork)
	require.Nil(f.t, err)
	return r
}

func (f *fixture) seedDao() *storage.Dao {
	owner, err := f.store.FirstOrCreateUser(f.ctx, ownerAddr.Hex())
	require.Nil(f.t, err)
	dao := &storage.Dao{
		OwnerID:     owner.ID,
		DaoName:     "Forum DAO",
		Symbol:      "FRM",
		TotalSupply: decimal.NewFromInt(1000000),
		Network:     testNetwork,
		Version:     "1.0.0",
		IsActive:    true,
	}
	require.Nil(f.t, f.store.CreateDao(f.ctx, dao, &storage.Contract{
		DaoAddress:      daoAddr.Hex(),
		TokenAddress:    tokenAddr.Hex(),
		TreasuryAddress: treasuryAddr.Hex(),
		StakingAddress:  stakingAddr.Hex(),
	}))
	return dao
}

func (f *fixture) seedDraft(dao *storage.Dao, title string, typ ProposalType, data map[string]interface{}) *storage.Dip {
	dip := &storage.Dip{
		DaoID:        dao.ID,
		AuthorID:     dao.OwnerID,
		Title:        title,
		Status:       storage.DipDraft,
		ProposalType: uint8(typ),
		ProposalData: data,
	}
	require.Nil(f.t, f.store.CreateDip(f.ctx, dip))
	return dip
}

func (f *fixture) seedActive(dao *storage.Dao, proposalID int64, typ ProposalType, endTime int64, data map[string]interface{}) *storage.Dip {
	dip := &storage.Dip{
		DaoID:        dao.ID,
		AuthorID:     dao.OwnerID,
		Title:        "active",
		Status:       storage.DipActive,
		ProposalType: uint8(typ),
		ProposalID:   &proposalID,
		EndTime:      &endTime,
		ProposalData: data,
	}
	require.Nil(f.t, f.store.CreateDip(f.ctx, dip))
	return dip
}

// setProposals scripts proposalCount, getProposal and the typed accessors of the dip contract.
func (f *fixture) setProposals(ps ...onchain) {
	f.backend.Return(daoAddr, chain.DipABI, "proposalCount", big.NewInt(int64(len(ps))))
	lookup := func(args []interface{}) (onchain, error) {
		id := args[0].(*big.Int).Int64()
		if id < 0 || id >= int64(len(ps)) {
			return onchain{}, errors.New("proposal does not exist")
		}
		return ps[id], nil
	}
	f.backend.Handle(daoAddr, chain.DipABI, "getProposal", func(args []interface{}) ([]interface{}, error) {
		p, err := lookup(args)
		if err != nil {
			return nil, err
		}
		return []interface{}{p.typ, big.NewInt(p.forVotes), big.NewInt(p.againstVotes), big.NewInt(p.endTime), p.executed}, nil
	})
	for _, method := range payloadAccessors {
		f.backend.Handle(daoAddr, chain.DipABI, method, func(args []interface{}) ([]interface{}, error) {
			p, err := lookup(args)
			if err != nil {
				return nil, err
			}
			if p.data == nil {
				return nil, errors.New("no typed data")
			}
			return p.data, nil
		})
	}
}

func (f *fixture) addVote(proposalID int64, voter common.Address, support bool, power int64, block uint64) {
	data, err := chain.PackEventData(chain.DipABI, "Voted", support, big.NewInt(power))
	require.Nil(f.t, err)
	voted := chain.MustEvent(chain.DipABI, "Voted")
	f.backend.AddLog(types.Log{
		Address:     daoAddr,
		Topics:      []common.Hash{voted.ID, chain.IntTopic(big.NewInt(proposalID)), chain.AddressTopic(voter)},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block)*1000 + proposalID)),
	})
}

func (f *fixture) addTrade(event string, party common.Address, tokenAmount, ethAmount string, block uint64, tx common.Hash) {
	tokens, ok := new(big.Int).SetString(tokenAmount, 10)
	require.True(f.t, ok)
	eth, ok := new(big.Int).SetString(ethAmount, 10)
	require.True(f.t, ok)
	data, err := chain.PackEventData(chain.PresaleABI, event, tokens, eth)
	require.Nil(f.t, err)
	ev := chain.MustEvent(chain.PresaleABI, event)
	f.backend.AddLog(types.Log{
		Address:     presaleAddr,
		Topics:      []common.Hash{ev.ID, chain.AddressTopic(party)},
		Data:        data,
		BlockNumber: block,
		TxHash:      tx,
	})
}
