package core

import (
	"context"
	"math/big"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
	"github.com/dipforum/reconciler/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// callWithRetry repeats a contract call up to retries times and reports the last failure as a ChainCallError.
func callWithRetry(ctx context.Context, r chain.Reader, retries uint, abiName string, contract common.Address, method string, args ...interface{}) ([]interface{}, error) {
	if retries == 0 {
		retries = 1
	}

	var out []interface{}
	action := func(attempt uint) error {
		if err := ctx.Err(); err != nil {
			return nil
		}
		var err error
		out, err = r.Call(ctx, abiName, contract, method, args...)
		return err
	}
	if err := retry.Retry(action, strategy.Limit(retries)); err != nil {
		return nil, &ChainCallError{Contract: contract.Hex(), Method: method, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ProposalFetcher enumerates proposals of a dip contract through the contract maintained counter.
type ProposalFetcher struct {
	retries uint
	logger  logrus.FieldLogger
}

func NewProposalFetcher(retries uint, logger logrus.FieldLogger) *ProposalFetcher {
	return &ProposalFetcher{retries: retries, logger: logger}
}

// HighestProposalID returns proposalCount-1, which is -1 for a contract without proposals.
func (f *ProposalFetcher) HighestProposalID(ctx context.Context, r chain.Reader, dao common.Address) (int64, error) {
	out, err := callWithRetry(ctx, r, f.retries, chain.DipABI, dao, "proposalCount")
	if err != nil {
		return 0, err
	}
	count, err := outBig(out, 0)
	if err != nil {
		return 0, &ChainCallError{Contract: dao.Hex(), Method: "proposalCount", Err: err}
	}
	if !count.IsInt64() {
		return 0, errors.Errorf("proposal count %s out of range", count)
	}
	return count.Int64() - 1, nil
}

func (f *ProposalFetcher) Proposal(ctx context.Context, r chain.Reader, dao common.Address, id int64) (*ProposalSummary, error) {
	out, err := callWithRetry(ctx, r, f.retries, chain.DipABI, dao, "getProposal", big.NewInt(id))
	if err != nil {
		return nil, err
	}

	typ, err := outUint8(out, 0)
	if err != nil {
		return nil, err
	}
	if !ProposalType(typ).Valid() {
		return nil, errors.Wrapf(ErrInvalidProposalType, "proposal %d has type %d", id, typ)
	}
	s := &ProposalSummary{ID: id, Type: ProposalType(typ)}
	if s.ForVotes, err = outBig(out, 1); err != nil {
		return nil, err
	}
	if s.AgainstVotes, err = outBig(out, 2); err != nil {
		return nil, err
	}
	endTime, err := outBig(out, 3)
	if err != nil {
		return nil, err
	}
	if !endTime.IsInt64() {
		return nil, errors.Errorf("proposal %d end time %s out of range", id, endTime)
	}
	s.EndTime = endTime.Int64()
	if s.Executed, err = outBool(out, 4); err != nil {
		return nil, err
	}
	return s, nil
}

// TypedPayload calls the accessor of the proposal type. Pause and Unpause need no call.
func (f *ProposalFetcher) TypedPayload(ctx context.Context, r chain.Reader, dao common.Address, id int64, t ProposalType) (Payload, error) {
	if !t.Valid() {
		return nil, errors.Wrapf(ErrInvalidProposalType, "type %d", uint8(t))
	}
	method, ok := payloadAccessors[t]
	if !ok {
		return DecodePayload(t, nil)
	}
	out, err := callWithRetry(ctx, r, f.retries, chain.DipABI, dao, method, big.NewInt(id))
	if err != nil {
		return nil, err
	}
	return DecodePayload(t, out)
}

// ListProposals walks ids from the highest down to 0 and skips the excluded ones.
// A proposal that fails to load or decode is logged and left for a later run.
func (f *ProposalFetcher) ListProposals(ctx context.Context, r chain.Reader, dao common.Address, exclude map[int64]struct{}) ([]*ChainProposal, error) {
	highest, err := f.HighestProposalID(ctx, r, dao)
	if err != nil {
		return nil, err
	}

	var proposals []*ChainProposal
	for id := highest; id >= 0; id-- {
		if _, ok := exclude[id]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger := f.logger.WithFields(logrus.Fields{"dao": dao.Hex(), "proposal_id": id})

		summary, err := f.Proposal(ctx, r, dao, id)
		if err != nil {
			logger.Warnf("skip proposal: %s", err)
			continue
		}
		payload, err := f.TypedPayload(ctx, r, dao, id, summary.Type)
		if err != nil {
			logger.Warnf("skip proposal, decode %s payload: %s", summary.Type, err)
			continue
		}
		logger.Debugf("fetched %s proposal: %v", summary.Type, payload.Data())
		proposals = append(proposals, &ChainProposal{ProposalSummary: *summary, Payload: payload})
	}
	return proposals, nil
}
