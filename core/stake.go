package core

import (
	"context"
	"math/big"

	"github.com/dipforum/reconciler/chain"
	"github.com/ethereum/go-ethereum/common"
)

// StakeReader reads staking and quorum state.
type StakeReader struct {
	retries uint
}

func NewStakeReader(retries uint) *StakeReader {
	return &StakeReader{retries: retries}
}

func (s *StakeReader) uint256(ctx context.Context, r chain.Reader, abiName string, contract common.Address, method string, args ...interface{}) (*big.Int, error) {
	out, err := callWithRetry(ctx, r, s.retries, abiName, contract, method, args...)
	if err != nil {
		return nil, err
	}
	v, err := outBig(out, 0)
	if err != nil {
		return nil, &ChainCallError{Contract: contract.Hex(), Method: method, Err: err}
	}
	return v, nil
}

func (s *StakeReader) TotalStaked(ctx context.Context, r chain.Reader, staking common.Address) (*big.Int, error) {
	return s.uint256(ctx, r, chain.StakingABI, staking, "totalStaked")
}

func (s *StakeReader) StakedAmount(ctx context.Context, r chain.Reader, staking, user common.Address) (*big.Int, error) {
	return s.uint256(ctx, r, chain.StakingABI, staking, "stakedAmount", user)
}

func (s *StakeReader) VotingPower(ctx context.Context, r chain.Reader, staking, user common.Address) (*big.Int, error) {
	return s.uint256(ctx, r, chain.StakingABI, staking, "getVotingPower", user)
}

// QuorumThreshold is the permyriad participation the DAO requires.
func (s *StakeReader) QuorumThreshold(ctx context.Context, r chain.Reader, dao common.Address) (*big.Int, error) {
	return s.uint256(ctx, r, chain.DipABI, dao, "quorum")
}
