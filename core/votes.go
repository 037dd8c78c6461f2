package core

import (
	"context"
	"math/big"

	"github.com/dipforum/reconciler/chain"
	"github.com/dipforum/reconciler/storage"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// VoteSyncer ingests Voted events of one proposal. A vote already recorded is never revised.
type VoteSyncer struct {
	store     *storage.Store
	scanRange uint64
	logger    logrus.FieldLogger
}

func NewVoteSyncer(store *storage.Store, scanRange uint64, logger logrus.FieldLogger) *VoteSyncer {
	return &VoteSyncer{store: store, scanRange: scanRange, logger: logger}
}

// scanWindow is the inclusive range of the last scanRange blocks.
func scanWindow(ctx context.Context, r chain.Reader, scanRange uint64) (uint64, uint64, error) {
	head, err := r.BlockNumber(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "get current block")
	}
	if head < scanRange {
		return 0, head, nil
	}
	return head - scanRange, head, nil
}

func (v *VoteSyncer) Sync(ctx context.Context, r chain.Reader, dip *storage.Dip, daoAddress common.Address) ([]storage.Vote, error) {
	if dip.ProposalID == nil {
		return nil, validationErrorf("dip %d has no on-chain proposal id", dip.ID)
	}
	logger := v.logger.WithFields(logrus.Fields{"dip_id": dip.ID, "proposal_id": *dip.ProposalID})

	from, to, err := scanWindow(ctx, r, v.scanRange)
	if err != nil {
		return nil, err
	}
	voted := chain.MustEvent(chain.DipABI, "Voted")
	logs, err := r.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{daoAddress},
		Topics:    [][]common.Hash{{voted.ID}, {chain.IntTopic(big.NewInt(*dip.ProposalID))}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "get vote logs")
	}
	if len(logs) == 0 {
		logger.Debug("no votes found")
		return nil, nil
	}

	var votes []storage.Vote
	for _, l := range logs {
		if len(l.Topics) < 3 {
			logger.WithField("tx", l.TxHash.Hex()).Warn("skip vote log without voter topic")
			continue
		}
		voter := chain.TopicAddress(l.Topics[2])

		values, err := voted.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			logger.WithField("tx", l.TxHash.Hex()).Warnf("skip undecodable vote log: %s", err)
			continue
		}
		support, err := outBool(values, 0)
		if err != nil {
			return nil, err
		}
		power, err := outBig(values, 1)
		if err != nil {
			return nil, err
		}

		user, err := v.store.FirstOrCreateUser(ctx, voter.Hex())
		if err != nil {
			return nil, err
		}
		vote, created, err := v.store.FirstOrCreateVote(ctx, &storage.Vote{
			DipID:       dip.ID,
			UserID:      user.ID,
			Support:     support,
			VotingPower: toDecimal(power),
		})
		if err != nil {
			return nil, err
		}
		if created {
			logger.WithFields(logrus.Fields{"voter": voter.Hex(), "support": support}).Info("vote recorded")
		}
		votes = append(votes, *vote)
	}
	return votes, nil
}
