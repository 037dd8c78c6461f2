package core

import (
	"context"
	"time"

	"github.com/dipforum/reconciler/chain"
	"github.com/dipforum/reconciler/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

const (
	DirectProposalTitle   = "Direct Proposal from Blockchain"
	DirectProposalContent = "This proposal was submitted directly to the governance contract and was not drafted on the forum."
)

// Reconciler merges new on-chain proposals into the local drafts of a DAO.
type Reconciler struct {
	store   *storage.Store
	fetcher *ProposalFetcher
	delay   time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	logger  logrus.FieldLogger
}

func NewReconciler(store *storage.Store, fetcher *ProposalFetcher, delay time.Duration, sleep func(context.Context, time.Duration) error, logger logrus.FieldLogger) *Reconciler {
	return &Reconciler{store: store, fetcher: fetcher, delay: delay, sleep: sleep, logger: logger}
}

// Reconcile claims or creates exactly one record per on-chain proposal id not yet stored.
// All chain reads happen before the draft lock is taken.
func (rc *Reconciler) Reconcile(ctx context.Context, r chain.Reader, dao *storage.Dao) ([]storage.Dip, error) {
	if dao.Contract == nil {
		return nil, validationErrorf("dao %d has no contracts", dao.ID)
	}
	logger := rc.logger.WithFields(logrus.Fields{"dao_id": dao.ID, "network": dao.Network})

	stored, err := rc.store.ProposalIDs(ctx, dao.ID)
	if err != nil {
		return nil, errors.Wrap(err, "load proposal ids")
	}
	exclude := toSet(stored)

	if err := rc.sleep(ctx, rc.delay); err != nil {
		return nil, err
	}

	proposals, err := rc.fetcher.ListProposals(ctx, r, common.HexToAddress(dao.Contract.DaoAddress), exclude)
	if err != nil {
		return nil, err
	}
	if len(proposals) == 0 {
		logger.Debug("no new proposals on chain")
		return nil, nil
	}
	logger.Infof("fetched %d new proposals", len(proposals))

	var touched []storage.Dip
	err = rc.store.Transaction(ctx, func(tx *storage.Store) error {
		touched = nil

		drafts, err := tx.LockDrafts(ctx, dao.ID)
		if err != nil {
			return errors.Wrap(err, "lock drafts")
		}
		// a concurrent run may have stored ids between the read above and the lock
		current, err := tx.ProposalIDs(ctx, dao.ID)
		if err != nil {
			return err
		}
		known := toSet(current)
		claimed := make([]bool, len(drafts))

		for _, p := range proposals {
			if _, ok := known[p.ID]; ok {
				continue
			}
			id, endTime := p.ID, p.EndTime

			idx := matchDraft(drafts, claimed, p)
			if idx >= 0 {
				claimed[idx] = true
				dip := drafts[idx]
				dip.ProposalID = &id
				dip.ProposalType = uint8(p.Type)
				dip.Status = storage.DipActive
				dip.EndTime = &endTime
				dip.ProposalData = datatypes.JSONMap(p.Data())
				if err := tx.SaveDip(ctx, &dip); err != nil {
					return errors.Wrapf(err, "claim draft %d", dip.ID)
				}
				logger.WithFields(logrus.Fields{"dip_id": dip.ID, "proposal_id": id}).Info("draft claimed by on-chain proposal")
				touched = append(touched, dip)
				continue
			}

			dip := storage.Dip{
				DaoID:        dao.ID,
				AuthorID:     dao.OwnerID,
				Title:        DirectProposalTitle,
				Content:      DirectProposalContent,
				Status:       storage.DipActive,
				ProposalType: uint8(p.Type),
				ProposalID:   &id,
				EndTime:      &endTime,
				ProposalData: datatypes.JSONMap(p.Data()),
			}
			if err := tx.CreateDip(ctx, &dip); err != nil {
				return errors.Wrapf(err, "create proposal %d", id)
			}
			logger.WithFields(logrus.Fields{"dip_id": dip.ID, "proposal_id": id}).Info("created record for direct on-chain proposal")
			touched = append(touched, dip)
		}

		return tx.IncrementDipCount(ctx, dao.ID, len(touched))
	})
	if err != nil {
		return nil, err
	}
	return touched, nil
}

// matchDraft returns the first unclaimed draft, oldest first, whose staged data equals the proposal payload.
func matchDraft(drafts []storage.Dip, claimed []bool, p *ChainProposal) int {
	for i := range drafts {
		if claimed[i] {
			continue
		}
		if MatchesDraft(p, drafts[i].ProposalType, drafts[i].ProposalData) {
			return i
		}
	}
	return -1
}

func toSet(ids []int64) map[int64]struct{} {
	return lo.SliceToMap(ids, func(id int64) (int64, struct{}) {
		return id, struct{}{}
	})
}
