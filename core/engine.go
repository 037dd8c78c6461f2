package core

import (
	"context"
	"strings"
	"time"

	"github.com/dipforum/reconciler/chain"
	"github.com/dipforum/reconciler/repo"
	"github.com/dipforum/reconciler/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultDaoVersion = "1.0.0"

// Engine exposes the idempotent entry points the scheduler and the CLI call.
type Engine struct {
	Config   *repo.Config
	Logger   logrus.FieldLogger
	Store    *storage.Store
	Provider chain.Provider

	discovery  *Discovery
	reconciler *Reconciler
	votes      *VoteSyncer
	status     *StatusEngine
	presales   *PresaleSyncer
	treasury   *TreasuryReader
	stakes     *StakeReader
	now        func() time.Time
}

type options struct {
	cache KV
	now   func() time.Time
}

type Option func(*options)

// WithCache keeps discovery results in a local key value store.
func WithCache(kv KV) Option {
	return func(o *options) {
		o.cache = kv
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func NewEngine(cfg *repo.Config, store *storage.Store, provider chain.Provider, logger logrus.FieldLogger, opts ...Option) *Engine {
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	c := cfg.Chain
	fetcher := NewProposalFetcher(c.CallRetries, logger.WithField("module", "fetcher"))
	stakes := NewStakeReader(c.CallRetries)
	votes := NewVoteSyncer(store, c.ScanBlockRange, logger.WithField("module", "votes"))
	treasury := NewTreasuryReader(c.CallRetries, logger.WithField("module", "treasury"))
	presales := NewPresaleSyncer(store, c.CallRetries, c.ScanBlockRange, c.PropagationDelay, sleepContext, logger.WithField("module", "presale"))

	return &Engine{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Provider:   provider,
		discovery:  NewDiscovery(c, o.cache, logger.WithField("module", "discovery")),
		reconciler: NewReconciler(store, fetcher, c.PropagationDelay, sleepContext, logger.WithField("module", "reconciler")),
		votes:      votes,
		status: &StatusEngine{
			store:    store,
			fetcher:  fetcher,
			stakes:   stakes,
			votes:    votes,
			treasury: treasury,
			presales: presales,
			retries:  c.CallRetries,
			delay:    c.PropagationDelay,
			sleep:    sleepContext,
			now:      o.now,
			logger:   logger.WithField("module", "status"),
		},
		presales: presales,
		treasury: treasury,
		stakes:   stakes,
		now:      o.now,
	}
}

func (e *Engine) dao(ctx context.Context, daoID uint) (*storage.Dao, chain.Reader, error) {
	dao, err := e.Store.Dao(ctx, daoID)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "load dao %d", daoID)
	}
	if dao.Contract == nil {
		return nil, nil, validationErrorf("dao %d has no contracts", daoID)
	}
	r, err := e.Provider.Reader(ctx, dao.Network)
	if err != nil {
		return nil, nil, err
	}
	return dao, r, nil
}

// Discover runs the backward scan for a DAO's creation event without storing anything.
func (e *Engine) Discover(ctx context.Context, daoAddress string, network uint64) (*InitialDaoData, error) {
	if !common.IsHexAddress(daoAddress) {
		return nil, validationErrorf("invalid dao address %q", daoAddress)
	}
	r, err := e.Provider.Reader(ctx, network)
	if err != nil {
		return nil, err
	}
	return e.discovery.Discover(ctx, r, common.HexToAddress(daoAddress))
}

// RegisterDao discovers a DAO and stores it with its contracts. Registering an
// address twice on the same network returns the stored DAO. An empty owner
// makes the creator of the DAO its owner.
func (e *Engine) RegisterDao(ctx context.Context, owner, daoAddress string, network uint64) (*storage.Dao, error) {
	if owner != "" && !common.IsHexAddress(owner) {
		return nil, validationErrorf("invalid owner address %q", owner)
	}
	if !common.IsHexAddress(daoAddress) {
		return nil, validationErrorf("invalid dao address %q", daoAddress)
	}

	existing, err := e.Store.DaoByAddress(ctx, daoAddress, network)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrRecordNotFound) {
		return nil, err
	}

	data, err := e.Discover(ctx, daoAddress, network)
	if err != nil {
		return nil, err
	}
	if owner == "" {
		owner = data.Sender.Hex()
	}
	user, err := e.Store.FirstOrCreateUser(ctx, owner)
	if err != nil {
		return nil, err
	}

	version := data.Version
	if strings.TrimSpace(version) == "" {
		version = defaultDaoVersion
	}
	dao := &storage.Dao{
		OwnerID:     user.ID,
		DaoName:     data.DaoName,
		TokenName:   data.TokenName,
		Symbol:      data.Symbol,
		TotalSupply: toDecimal(data.TotalSupply),
		Network:     network,
		Version:     version,
		IsActive:    true,
	}
	contract := &storage.Contract{
		DaoAddress:      data.DaoAddress.Hex(),
		TokenAddress:    data.TokenAddress.Hex(),
		TreasuryAddress: data.TreasuryAddress.Hex(),
		StakingAddress:  data.StakingAddress.Hex(),
	}
	if err := e.Store.CreateDao(ctx, dao, contract); err != nil {
		return nil, err
	}
	e.Logger.WithFields(logrus.Fields{"dao_id": dao.ID, "network": network}).Infof("registered dao %s", contract.DaoAddress)
	return dao, nil
}

func (e *Engine) SyncProposals(ctx context.Context, daoID uint) ([]storage.Dip, error) {
	dao, r, err := e.dao(ctx, daoID)
	if err != nil {
		return nil, err
	}
	return e.reconciler.Reconcile(ctx, r, dao)
}

func (e *Engine) SyncVotes(ctx context.Context, dipID uint) ([]storage.Vote, error) {
	dip, err := e.Store.Dip(ctx, dipID)
	if err != nil {
		return nil, errors.Wrapf(err, "load dip %d", dipID)
	}
	dao, r, err := e.dao(ctx, dip.DaoID)
	if err != nil {
		return nil, err
	}
	return e.votes.Sync(ctx, r, dip, common.HexToAddress(dao.Contract.DaoAddress))
}

func (e *Engine) SyncDipStatus(ctx context.Context, dipID uint) (Outcome, error) {
	dip, err := e.Store.Dip(ctx, dipID)
	if err != nil {
		return OutcomeUnchanged, errors.Wrapf(err, "load dip %d", dipID)
	}
	if dip.Status != storage.DipActive {
		return OutcomeUnchanged, nil
	}
	dao, r, err := e.dao(ctx, dip.DaoID)
	if err != nil {
		return OutcomeUnchanged, err
	}
	return e.status.Evaluate(ctx, r, dip, dao)
}

// UpdatePresaleState refreshes one presale, or every Active presale when presaleID is nil,
// and ingests their buy and sell events.
func (e *Engine) UpdatePresaleState(ctx context.Context, presaleID *uint) error {
	if presaleID != nil {
		presale, err := e.Store.Presale(ctx, *presaleID)
		if err != nil {
			return errors.Wrapf(err, "load presale %d", *presaleID)
		}
		return e.updatePresale(ctx, presale)
	}

	presales, err := e.Store.ActivePresales(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for i := range presales {
		if err := e.updatePresale(ctx, &presales[i]); err != nil {
			e.Logger.WithField("presale_id", presales[i].ID).Errorf("presale update failed: %s", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) updatePresale(ctx context.Context, presale *storage.Presale) error {
	_, r, err := e.dao(ctx, presale.DaoID)
	if err != nil {
		return err
	}
	if _, err := e.presales.RefreshState(ctx, r, presale); err != nil {
		return err
	}
	_, err = e.presales.FetchEvents(ctx, r, presale)
	return err
}

func (e *Engine) RefreshTreasury(ctx context.Context, daoID uint) (map[string]interface{}, error) {
	dao, r, err := e.dao(ctx, daoID)
	if err != nil {
		return nil, err
	}
	return e.treasury.Refresh(ctx, r, e.Store, dao)
}

// SyncStake mirrors a user's staked amount and voting power.
func (e *Engine) SyncStake(ctx context.Context, daoID uint, userAddress string) (*storage.Stake, error) {
	if !common.IsHexAddress(userAddress) {
		return nil, validationErrorf("invalid user address %q", userAddress)
	}
	dao, r, err := e.dao(ctx, daoID)
	if err != nil {
		return nil, err
	}
	staking := common.HexToAddress(dao.Contract.StakingAddress)
	user := common.HexToAddress(userAddress)

	amount, err := e.stakes.StakedAmount(ctx, r, staking, user)
	if err != nil {
		return nil, err
	}
	power, err := e.stakes.VotingPower(ctx, r, staking, user)
	if err != nil {
		return nil, err
	}

	u, err := e.Store.FirstOrCreateUser(ctx, userAddress)
	if err != nil {
		return nil, err
	}
	if err := e.Store.UpsertStake(ctx, &storage.Stake{
		DaoID:       dao.ID,
		UserID:      u.ID,
		Amount:      toDecimal(amount),
		VotingPower: toDecimal(power),
	}); err != nil {
		return nil, errors.Wrap(err, "save stake")
	}
	return e.Store.Stake(ctx, dao.ID, u.ID)
}

// CleanupDrafts deletes drafts older than ttl that were never claimed.
func (e *Engine) CleanupDrafts(ctx context.Context, ttl time.Duration) (int64, error) {
	n, err := e.Store.DeleteStaleDrafts(ctx, e.now().Add(-ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.Logger.Infof("deleted %d stale drafts", n)
	}
	return n, nil
}

// DueDips lists Active proposals whose stored voting window has closed.
func (e *Engine) DueDips(ctx context.Context) ([]storage.Dip, error) {
	return e.Store.DueDips(ctx, e.now().Unix())
}

// VotingDips lists Active proposals that can still receive votes.
func (e *Engine) VotingDips(ctx context.Context) ([]storage.Dip, error) {
	return e.Store.VotingDips(ctx, e.now().Unix())
}

func (e *Engine) ActiveDaos(ctx context.Context) ([]storage.Dao, error) {
	return e.Store.ActiveDaos(ctx)
}
