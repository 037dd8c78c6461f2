package core

import (
	"context"
	"math/big"
	"time"

	"github.com/dipforum/reconciler/chain"
	"github.com/dipforum/reconciler/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var permyriad = big.NewInt(10000)

// QuorumPermyriad is totalVotes*10000/totalStaked with integer division.
func QuorumPermyriad(totalVotes, totalStaked *big.Int) *big.Int {
	q := new(big.Int).Mul(totalVotes, permyriad)
	return q.Quo(q, totalStaked)
}

// StatusEngine moves Active proposals whose voting window closed to Executed or Failed
// and runs the side effects of an execution.
type StatusEngine struct {
	store    *storage.Store
	fetcher  *ProposalFetcher
	stakes   *StakeReader
	votes    *VoteSyncer
	treasury *TreasuryReader
	presales *PresaleSyncer
	retries  uint
	delay    time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	logger   logrus.FieldLogger
}

// Evaluate decides the outcome of one proposal and persists it.
func (s *StatusEngine) Evaluate(ctx context.Context, r chain.Reader, dip *storage.Dip, dao *storage.Dao) (Outcome, error) {
	if dip.Status != storage.DipActive {
		return OutcomeUnchanged, nil
	}
	if dip.ProposalID == nil {
		return OutcomeUnchanged, validationErrorf("active dip %d has no on-chain proposal id", dip.ID)
	}
	if dao.Contract == nil {
		return OutcomeUnchanged, validationErrorf("dao %d has no contracts", dao.ID)
	}
	daoAddress := common.HexToAddress(dao.Contract.DaoAddress)
	logger := s.logger.WithFields(logrus.Fields{"dip_id": dip.ID, "proposal_id": *dip.ProposalID, "dao_id": dao.ID})

	if err := s.sleep(ctx, s.delay); err != nil {
		return OutcomeUnchanged, err
	}
	summary, err := s.fetcher.Proposal(ctx, r, daoAddress, *dip.ProposalID)
	if err != nil {
		return OutcomeUnchanged, err
	}

	ended := dip.EndTime != nil && *dip.EndTime == summary.EndTime && summary.EndTime <= s.now().Unix()
	if !ended {
		logger.Debug("voting window still open")
		return OutcomeUnchanged, nil
	}

	if _, err := s.votes.Sync(ctx, r, dip, daoAddress); err != nil {
		logger.Warnf("vote re-sync failed: %s", err)
	}

	outcome, err := s.decide(ctx, r, dao, summary, logger)
	if err != nil {
		return OutcomeUnchanged, err
	}
	switch outcome {
	case OutcomeFailed:
		dip.Status = storage.DipFailed
	case OutcomeExecuted:
		if err := s.executed(ctx, r, dip, dao, logger); err != nil {
			return OutcomeUnchanged, err
		}
		dip.Status = storage.DipExecuted
	case OutcomeAwaitingExecution:
		logger.Warn("quorum reached but proposal not executed on chain, left active")
		return outcome, nil
	default:
		return outcome, nil
	}

	if err := s.store.SetDipStatus(ctx, dip.ID, dip.Status); err != nil {
		return OutcomeUnchanged, errors.Wrap(err, "save status")
	}
	logger.WithField("status", dip.Status).Info("proposal status updated")
	return outcome, nil
}

func executedOutcome(executed bool) Outcome {
	if executed {
		return OutcomeExecuted
	}
	return OutcomeUnchanged
}

// decide only returns an error when ctx is done. Failed quorum reads fall back to the executed flag.
func (s *StatusEngine) decide(ctx context.Context, r chain.Reader, dao *storage.Dao, summary *ProposalSummary, logger logrus.FieldLogger) (Outcome, error) {
	total := summary.TotalVotes()
	if total.Sign() == 0 {
		logger.Info("proposal failed without votes")
		return OutcomeFailed, nil
	}

	if err := s.sleep(ctx, s.delay); err != nil {
		return OutcomeUnchanged, errors.Wrap(err, "quorum check interrupted")
	}
	staked, err := s.stakes.TotalStaked(ctx, r, common.HexToAddress(dao.Contract.StakingAddress))
	if err == nil {
		var threshold *big.Int
		if threshold, err = s.stakes.QuorumThreshold(ctx, r, common.HexToAddress(dao.Contract.DaoAddress)); err == nil {
			return quorumOutcome(total, staked, threshold, summary.Executed, logger), nil
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return OutcomeUnchanged, errors.Wrap(ctxErr, "quorum check interrupted")
	}
	logger.Errorf("quorum check failed, falling back to executed flag: %s", err)
	return executedOutcome(summary.Executed), nil
}

func quorumOutcome(total, staked, threshold *big.Int, executed bool, logger logrus.FieldLogger) Outcome {
	if staked.Sign() == 0 {
		logger.Info("proposal failed, nothing staked")
		return OutcomeFailed
	}
	q := QuorumPermyriad(total, staked)
	logger.Infof("quorum check: %s/%s", q, threshold)
	if q.Cmp(threshold) < 0 {
		return OutcomeFailed
	}
	if executed {
		return OutcomeExecuted
	}
	return OutcomeAwaitingExecution
}

// executed runs the side effects of an execution before the status is stored, so a retry repeats them.
func (s *StatusEngine) executed(ctx context.Context, r chain.Reader, dip *storage.Dip, dao *storage.Dao, logger logrus.FieldLogger) error {
	if _, err := s.treasury.Refresh(ctx, r, s.store, dao); err != nil {
		logger.Errorf("treasury refresh failed: %s", err)
	}

	switch ProposalType(dip.ProposalType) {
	case Presale:
		if err := s.createPresale(ctx, r, dip, dao, logger); err != nil {
			logger.Errorf("presale creation failed: %s", err)
		}
	case PresaleWithdraw:
		addr, ok := draftString(dip.ProposalData, "presale_contract")
		if !ok {
			logger.Warn("no presale contract in proposal data")
			return nil
		}
		presale, err := s.store.PresaleByContract(ctx, dao.ID, addr)
		if errors.Is(err, storage.ErrRecordNotFound) {
			logger.Warnf("no presale with contract %s", addr)
			return nil
		}
		if err != nil {
			return err
		}
		presale.Status = storage.PresaleCompleted
		if err := s.store.SavePresale(ctx, presale); err != nil {
			return errors.Wrap(err, "complete presale")
		}
		logger.WithField("presale_id", presale.ID).Info("presale completed by withdraw")
	case Upgrade:
		version, ok := draftString(dip.ProposalData, "version")
		if !ok {
			logger.Warn("no version in proposal data")
			return nil
		}
		if err := s.store.SetDaoVersion(ctx, dao.ID, version); err != nil {
			return errors.Wrap(err, "bump dao version")
		}
		dao.Version = version
		logger.Infof("dao version set to %s", version)
	}
	return nil
}

func (s *StatusEngine) createPresale(ctx context.Context, r chain.Reader, dip *storage.Dip, dao *storage.Dao, logger logrus.FieldLogger) error {
	active, err := s.store.HasActivePresale(ctx, dao.ID)
	if err != nil {
		return err
	}
	if active {
		logger.Info("dao already has an active presale")
		return nil
	}

	if err := s.sleep(ctx, s.delay); err != nil {
		return err
	}
	daoAddress := common.HexToAddress(dao.Contract.DaoAddress)
	id := big.NewInt(*dip.ProposalID)
	out, err := callWithRetry(ctx, r, s.retries, chain.DipABI, daoAddress, "getPresaleContract", id)
	if err != nil {
		return err
	}
	contract, err := outAddress(out, 0)
	if err != nil {
		return err
	}
	if contract == (common.Address{}) {
		logger.Warn("proposal has no presale contract")
		return nil
	}

	payload, err := s.fetcher.TypedPayload(ctx, r, daoAddress, *dip.ProposalID, Presale)
	if err != nil {
		return err
	}
	data := payload.(*PresalePayload)

	dipID := dip.ID
	presale := &storage.Presale{
		DaoID:            dao.ID,
		DipID:            &dipID,
		PresaleContract:  contract.Hex(),
		TotalTokenAmount: toDecimal(data.Amount),
		InitialPrice:     toDecimal(data.InitialPrice),
		Status:           storage.PresaleActive,
	}
	// another worker may have opened a presale for the dao during the chain reads
	created := false
	err = s.store.Transaction(ctx, func(tx *storage.Store) error {
		if err := tx.LockDao(ctx, dao.ID); err != nil {
			return errors.Wrap(err, "lock dao")
		}
		active, err := tx.HasActivePresale(ctx, dao.ID)
		if err != nil || active {
			return err
		}
		if err := tx.CreatePresale(ctx, presale); err != nil {
			return errors.Wrap(err, "create presale")
		}
		created = true
		return nil
	})
	if err != nil {
		return err
	}
	if !created {
		logger.Info("dao already has an active presale")
		return nil
	}
	logger.WithField("presale_id", presale.ID).Infof("presale created for contract %s", contract.Hex())

	if _, err := s.presales.RefreshState(ctx, r, presale); err != nil {
		logger.Warnf("initial presale state refresh failed: %s", err)
	}
	return nil
}
