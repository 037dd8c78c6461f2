package core

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/dipforum/reconciler/chain"
	"github.com/dipforum/reconciler/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recipient = common.HexToAddress("0xC0000000000000000000000000000000000000aB")

func transferData(amount int64) []interface{} {
	return []interface{}{tokenAddr, recipient, big.NewInt(amount)}
}

func transferDraft(amount string) map[string]interface{} {
	return map[string]interface{}{
		"token":     tokenAddr.Hex(),
		"recipient": strings.ToLower(recipient.Hex()),
		"amount":    amount,
	}
}

func TestSyncProposals(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	end := f.now.Unix() + 3600

	draft := f.seedDraft(dao, "pay the designer", Transfer, transferDraft("1000"))
	unmatched := f.seedDraft(dao, "never submitted", Transfer, transferDraft("5"))

	f.setProposals(
		onchain{typ: uint8(Transfer), endTime: end, data: transferData(1000)},
		onchain{typ: uint8(Pause), endTime: end},
	)

	dips, err := f.engine.SyncProposals(f.ctx, dao.ID)
	require.Nil(t, err)
	require.Len(t, dips, 2)

	claimed, err := f.store.Dip(f.ctx, draft.ID)
	require.Nil(t, err)
	assert.Equal(t, storage.DipActive, claimed.Status)
	require.NotNil(t, claimed.ProposalID)
	assert.Equal(t, int64(0), *claimed.ProposalID)
	assert.Equal(t, end, *claimed.EndTime)
	assert.Equal(t, "1000", claimed.ProposalData["amount"])
	assert.Equal(t, "pay the designer", claimed.Title)

	var direct storage.Dip
	require.Nil(t, f.store.DB().Where("dao_id = ? AND proposal_id = ?", dao.ID, 1).First(&direct).Error)
	assert.Equal(t, DirectProposalTitle, direct.Title)
	assert.Equal(t, dao.OwnerID, direct.AuthorID)
	assert.Equal(t, storage.DipActive, direct.Status)
	assert.Equal(t, uint8(Pause), direct.ProposalType)

	left, err := f.store.Dip(f.ctx, unmatched.ID)
	require.Nil(t, err)
	assert.Equal(t, storage.DipDraft, left.Status)
	assert.Nil(t, left.ProposalID)

	stored, err := f.store.Dao(f.ctx, dao.ID)
	require.Nil(t, err)
	assert.Equal(t, 2, stored.DipCount)

	// nothing new on chain: no duplicates and no counter change
	dips, err = f.engine.SyncProposals(f.ctx, dao.ID)
	require.Nil(t, err)
	assert.Len(t, dips, 0)

	var count int64
	require.Nil(t, f.store.DB().Model(&storage.Dip{}).Where("dao_id = ?", dao.ID).Count(&count).Error)
	assert.Equal(t, int64(3), count)
	stored, err = f.store.Dao(f.ctx, dao.ID)
	require.Nil(t, err)
	assert.Equal(t, 2, stored.DipCount)

	left, err = f.store.Dip(f.ctx, unmatched.ID)
	require.Nil(t, err)
	assert.Equal(t, storage.DipDraft, left.Status)
}

func TestSyncProposalsFirstMatchWins(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	end := f.now.Unix() + 3600

	first := f.seedDraft(dao, "first", Transfer, transferDraft("1000"))
	second := f.seedDraft(dao, "second", Transfer, transferDraft("1000"))

	f.setProposals(onchain{typ: uint8(Transfer), endTime: end, data: transferData(1000)})

	dips, err := f.engine.SyncProposals(f.ctx, dao.ID)
	require.Nil(t, err)
	require.Len(t, dips, 1)
	assert.Equal(t, first.ID, dips[0].ID)

	other, err := f.store.Dip(f.ctx, second.ID)
	require.Nil(t, err)
	assert.Equal(t, storage.DipDraft, other.Status)

	// two identical chain proposals claim both drafts, one each
	f.setProposals(
		onchain{typ: uint8(Transfer), endTime: end, data: transferData(1000)},
		onchain{typ: uint8(Transfer), endTime: end, data: transferData(1000)},
	)
	dips, err = f.engine.SyncProposals(f.ctx, dao.ID)
	require.Nil(t, err)
	require.Len(t, dips, 1)
	assert.Equal(t, second.ID, dips[0].ID)
	assert.Equal(t, int64(1), *dips[0].ProposalID)
}

func TestSyncProposalsSkipsBadProposals(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	end := f.now.Unix() + 3600

	f.setProposals(
		onchain{typ: uint8(Unpause), endTime: end},
		onchain{typ: 9, endTime: end},
		onchain{typ: uint8(Transfer), endTime: end},
	)

	dips, err := f.engine.SyncProposals(f.ctx, dao.ID)
	require.Nil(t, err)
	require.Len(t, dips, 1)
	assert.Equal(t, int64(0), *dips[0].ProposalID)
}

func TestSyncProposalsCountFailure(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()

	_, err := f.engine.SyncProposals(f.ctx, dao.ID)
	var callErr *ChainCallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "proposalCount", callErr.Method)
}

func TestSyncVotes(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	dip := f.seedActive(dao, 3, Transfer, f.now.Unix()+60, nil)

	f.addVote(3, voterA, true, 400, 4500)
	f.addVote(3, voterB, false, 100, 4600)
	f.addVote(4, voterB, true, 999, 4600)
	// outside the scan window
	f.addVote(3, common.HexToAddress("0xB000000000000000000000000000000000000003"), true, 1, 10)

	votes, err := f.engine.SyncVotes(f.ctx, dip.ID)
	require.Nil(t, err)
	require.Len(t, votes, 2)

	stored, err := f.store.Votes(f.ctx, dip.ID)
	require.Nil(t, err)
	require.Len(t, stored, 2)
	assert.True(t, stored[0].Support)
	assert.True(t, stored[0].VotingPower.Equal(decimal.NewFromInt(400)))
	assert.False(t, stored[1].Support)

	// a changed vote on chain does not revise the recorded one
	f.addVote(3, voterA, false, 1, 4700)
	_, err = f.engine.SyncVotes(f.ctx, dip.ID)
	require.Nil(t, err)
	stored, err = f.store.Votes(f.ctx, dip.ID)
	require.Nil(t, err)
	require.Len(t, stored, 2)
	assert.True(t, stored[0].Support)
	assert.True(t, stored[0].VotingPower.Equal(decimal.NewFromInt(400)))
}

func TestSyncVotesEmpty(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	dip := f.seedActive(dao, 0, Transfer, f.now.Unix()+60, nil)

	votes, err := f.engine.SyncVotes(f.ctx, dip.ID)
	require.Nil(t, err)
	assert.Len(t, votes, 0)
}

func (f *fixture) setQuorum(totalStaked, threshold int64) {
	f.backend.Return(stakingAddr, chain.StakingABI, "totalStaked", big.NewInt(totalStaked))
	f.backend.Return(daoAddr, chain.DipABI, "quorum", big.NewInt(threshold))
}

func TestSyncDipStatus(t *testing.T) {
	tests := []struct {
		name     string
		proposal onchain
		quorum   bool
		outcome  Outcome
		status   storage.DipStatus
	}{
		{
			name:     "no votes fails",
			proposal: onchain{typ: uint8(Pause), executed: true},
			quorum:   true,
			outcome:  OutcomeFailed,
			status:   storage.DipFailed,
		},
		{
			name:     "below quorum fails",
			proposal: onchain{typ: uint8(Pause), forVotes: 300, againstVotes: 100, executed: true},
			quorum:   true,
			outcome:  OutcomeFailed,
			status:   storage.DipFailed,
		},
		{
			name:     "quorum reached and executed",
			proposal: onchain{typ: uint8(Pause), forVotes: 500, againstVotes: 100, executed: true},
			quorum:   true,
			outcome:  OutcomeExecuted,
			status:   storage.DipExecuted,
		},
		{
			name:     "quorum reached awaiting execution",
			proposal: onchain{typ: uint8(Pause), forVotes: 500, againstVotes: 100},
			quorum:   true,
			outcome:  OutcomeAwaitingExecution,
			status:   storage.DipActive,
		},
		{
			name:     "quorum lookup failure falls back to executed flag",
			proposal: onchain{typ: uint8(Pause), forVotes: 1, executed: true},
			quorum:   false,
			outcome:  OutcomeExecuted,
			status:   storage.DipExecuted,
		},
		{
			name:     "quorum lookup failure without execution stays active",
			proposal: onchain{typ: uint8(Pause), forVotes: 1},
			quorum:   false,
			outcome:  OutcomeUnchanged,
			status:   storage.DipActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			dao := f.seedDao()
			end := f.now.Unix() - 100
			dip := f.seedActive(dao, 0, Pause, end, map[string]interface{}{})

			tt.proposal.endTime = end
			f.setProposals(tt.proposal)
			if tt.quorum {
				// 5000 permyriad of 1000 staked needs 500 votes
				f.setQuorum(1000, 5000)
			}
			f.backend.Return(tokenAddr, chain.DaoABI, "balanceOf", big.NewInt(50))

			outcome, err := f.engine.SyncDipStatus(f.ctx, dip.ID)
			require.Nil(t, err)
			assert.Equal(t, tt.outcome, outcome)

			stored, err := f.store.Dip(f.ctx, dip.ID)
			require.Nil(t, err)
			assert.Equal(t, tt.status, stored.Status)

			_, err = f.store.Treasury(f.ctx, dao.ID)
			if tt.status == storage.DipExecuted {
				assert.Nil(t, err)
			} else {
				assert.ErrorIs(t, err, storage.ErrRecordNotFound)
			}
		})
	}
}

func TestSyncDipStatusWindowOpen(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	end := f.now.Unix() + 100
	dip := f.seedActive(dao, 0, Pause, end, nil)
	f.setProposals(onchain{typ: uint8(Pause), forVotes: 10, endTime: end, executed: true})
	f.setQuorum(10, 1)

	outcome, err := f.engine.SyncDipStatus(f.ctx, dip.ID)
	require.Nil(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)

	// the chain reports another end time than the stored one
	f.now = time.Unix(end+1000, 0)
	f.setProposals(onchain{typ: uint8(Pause), forVotes: 10, endTime: end + 500, executed: true})
	outcome, err = f.engine.SyncDipStatus(f.ctx, dip.ID)
	require.Nil(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)

	stored, err := f.store.Dip(f.ctx, dip.ID)
	require.Nil(t, err)
	assert.Equal(t, storage.DipActive, stored.Status)
}

func TestSyncDipStatusResyncsVotes(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	end := f.now.Unix() - 100
	dip := f.seedActive(dao, 0, Pause, end, nil)
	f.setProposals(onchain{typ: uint8(Pause), forVotes: 600, endTime: end, executed: true})
	f.setQuorum(1000, 5000)
	f.addVote(0, voterA, true, 600, 4900)

	_, err := f.engine.SyncDipStatus(f.ctx, dip.ID)
	require.Nil(t, err)

	votes, err := f.store.Votes(f.ctx, dip.ID)
	require.Nil(t, err)
	assert.Len(t, votes, 1)

	// terminal proposals are left alone
	outcome, err := f.engine.SyncDipStatus(f.ctx, dip.ID)
	require.Nil(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)
}

func TestExecutedUpgradeBumpsVersion(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	end := f.now.Unix() - 100
	dip := f.seedActive(dao, 0, Upgrade, end, map[string]interface{}{"version": "2.0.0", "implementations": []string{}})
	f.setProposals(onchain{
		typ: uint8(Upgrade), forVotes: 600, endTime: end, executed: true,
		data: []interface{}{[]common.Address{}, "2.0.0"},
	})
	f.setQuorum(1000, 5000)

	outcome, err := f.engine.SyncDipStatus(f.ctx, dip.ID)
	require.Nil(t, err)
	assert.Equal(t, OutcomeExecuted, outcome)

	stored, err := f.store.Dao(f.ctx, dao.ID)
	require.Nil(t, err)
	assert.Equal(t, "2.0.0", stored.Version)
}

func TestExecutedPresaleCreatesPresale(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	end := f.now.Unix() - 100
	dip := f.seedActive(dao, 0, Presale, end, nil)
	f.setProposals(onchain{
		typ: uint8(Presale), forVotes: 600, endTime: end, executed: true,
		data: []interface{}{tokenAddr, big.NewInt(5000), big.NewInt(3)},
	})
	f.setQuorum(1000, 5000)
	f.backend.Return(daoAddr, chain.DipABI, "getPresaleContract", presaleAddr)
	f.backend.Return(presaleAddr, chain.PresaleABI, "getPresaleState",
		big.NewInt(1), big.NewInt(3), big.NewInt(100), big.NewInt(4000), big.NewInt(12))

	_, err := f.engine.SyncDipStatus(f.ctx, dip.ID)
	require.Nil(t, err)

	presales, err := f.store.ActivePresales(f.ctx)
	require.Nil(t, err)
	require.Len(t, presales, 1)
	p := presales[0]
	assert.Equal(t, presaleAddr.Hex(), p.PresaleContract)
	assert.True(t, p.TotalTokenAmount.Equal(decimal.NewFromInt(5000)))
	assert.True(t, p.InitialPrice.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, int64(1), p.CurrentTier)
	assert.True(t, p.TotalRemaining.Equal(decimal.NewFromInt(4000)))
	require.NotNil(t, p.DipID)
	assert.Equal(t, dip.ID, *p.DipID)

	// a second executed presale proposal does not open another active presale
	dip2 := f.seedActive(dao, 1, Presale, end, nil)
	f.setProposals(
		onchain{typ: uint8(Presale), forVotes: 600, endTime: end, executed: true, data: []interface{}{tokenAddr, big.NewInt(5000), big.NewInt(3)}},
		onchain{typ: uint8(Presale), forVotes: 600, endTime: end, executed: true, data: []interface{}{tokenAddr, big.NewInt(10), big.NewInt(1)}},
	)
	outcome, err := f.engine.SyncDipStatus(f.ctx, dip2.ID)
	require.Nil(t, err)
	assert.Equal(t, OutcomeExecuted, outcome)
	presales, err = f.store.ActivePresales(f.ctx)
	require.Nil(t, err)
	assert.Len(t, presales, 1)
}

func TestExecutedPresaleRechecksUnderLock(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	end := f.now.Unix() - 100
	dip := f.seedActive(dao, 0, Presale, end, nil)
	f.setProposals(onchain{
		typ: uint8(Presale), forVotes: 600, endTime: end, executed: true,
		data: []interface{}{tokenAddr, big.NewInt(5000), big.NewInt(3)},
	})
	f.setQuorum(1000, 5000)
	f.backend.Return(presaleAddr, chain.PresaleABI, "getPresaleState",
		big.NewInt(1), big.NewInt(3), big.NewInt(100), big.NewInt(4000), big.NewInt(12))

	// a concurrent worker opens a presale while the chain is being read
	other := common.HexToAddress("0x7000000000000000000000000000000000000007")
	f.backend.Handle(daoAddr, chain.DipABI, "getPresaleContract", func([]interface{}) ([]interface{}, error) {
		require.Nil(t, f.store.CreatePresale(f.ctx, &storage.Presale{
			DaoID: dao.ID, PresaleContract: other.Hex(), Status: storage.PresaleActive,
		}))
		return []interface{}{presaleAddr}, nil
	})

	outcome, err := f.engine.SyncDipStatus(f.ctx, dip.ID)
	require.Nil(t, err)
	assert.Equal(t, OutcomeExecuted, outcome)

	presales, err := f.store.ActivePresales(f.ctx)
	require.Nil(t, err)
	require.Len(t, presales, 1)
	assert.Equal(t, other.Hex(), presales[0].PresaleContract)
}

func TestSyncDipStatusCancelledDuringQuorum(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	end := f.now.Unix() - 100
	dip := f.seedActive(dao, 0, Upgrade, end, map[string]interface{}{"version": "2.0.0"})
	f.setProposals(onchain{
		typ: uint8(Upgrade), forVotes: 600, endTime: end, executed: true,
		data: []interface{}{[]common.Address{}, "2.0.0"},
	})
	f.setQuorum(1000, 5000)

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	sleeps := 0
	f.engine.status.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		if sleeps == 2 {
			cancel()
		}
		return ctx.Err()
	}

	outcome, err := f.engine.SyncDipStatus(ctx, dip.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeUnchanged, outcome)

	stored, err := f.store.Dip(f.ctx, dip.ID)
	require.Nil(t, err)
	assert.Equal(t, storage.DipActive, stored.Status)
	d, err := f.store.Dao(f.ctx, dao.ID)
	require.Nil(t, err)
	assert.Equal(t, "1.0.0", d.Version)
	_, err = f.store.Treasury(f.ctx, dao.ID)
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)
}

func TestExecutedPresaleWithoutContract(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	end := f.now.Unix() - 100
	dip := f.seedActive(dao, 0, Presale, end, nil)
	f.setProposals(onchain{
		typ: uint8(Presale), forVotes: 600, endTime: end, executed: true,
		data: []interface{}{tokenAddr, big.NewInt(5000), big.NewInt(3)},
	})
	f.setQuorum(1000, 5000)
	f.backend.Return(daoAddr, chain.DipABI, "getPresaleContract", common.Address{})

	outcome, err := f.engine.SyncDipStatus(f.ctx, dip.ID)
	require.Nil(t, err)
	assert.Equal(t, OutcomeExecuted, outcome)

	presales, err := f.store.ActivePresales(f.ctx)
	require.Nil(t, err)
	assert.Len(t, presales, 0)
}

func TestExecutedWithdrawCompletesPresale(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	presale := &storage.Presale{DaoID: dao.ID, PresaleContract: presaleAddr.Hex(), Status: storage.PresaleActive}
	require.Nil(t, f.store.CreatePresale(f.ctx, presale))

	end := f.now.Unix() - 100
	dip := f.seedActive(dao, 0, PresaleWithdraw, end, map[string]interface{}{
		"presale_contract": strings.ToLower(presaleAddr.Hex()),
	})
	f.setProposals(onchain{
		typ: uint8(PresaleWithdraw), forVotes: 600, endTime: end, executed: true,
		data: []interface{}{presaleAddr},
	})
	f.setQuorum(1000, 5000)

	_, err := f.engine.SyncDipStatus(f.ctx, dip.ID)
	require.Nil(t, err)

	stored, err := f.store.Presale(f.ctx, presale.ID)
	require.Nil(t, err)
	assert.Equal(t, storage.PresaleCompleted, stored.Status)
}

func (f *fixture) seedPresale(dao *storage.Dao) *storage.Presale {
	presale := &storage.Presale{DaoID: dao.ID, PresaleContract: presaleAddr.Hex(), Status: storage.PresaleActive}
	require.Nil(f.t, f.store.CreatePresale(f.ctx, presale))
	return presale
}

func TestUpdatePresaleState(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	presale := f.seedPresale(dao)
	f.backend.Return(presaleAddr, chain.PresaleABI, "getPresaleState",
		big.NewInt(2), big.NewInt(4), big.NewInt(50), big.NewInt(900), big.NewInt(100))

	buyer := common.HexToAddress("0xD000000000000000000000000000000000000001")
	f.addTrade("TokensPurchased", buyer, "2500000000000000000", "1000000000000000000", 4100, common.HexToHash("0x01"))
	f.addTrade("TokensSold", buyer, "500000000000000000", "250000000000000000", 4200, common.HexToHash("0x02"))
	// before the scan window
	f.addTrade("TokensPurchased", buyer, "1", "1", 10, common.HexToHash("0x03"))

	require.Nil(t, f.engine.UpdatePresaleState(f.ctx, &presale.ID))

	stored, err := f.store.Presale(f.ctx, presale.ID)
	require.Nil(t, err)
	assert.Equal(t, int64(2), stored.CurrentTier)
	assert.True(t, stored.TotalRaised.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, storage.PresaleActive, stored.Status)

	txs, err := f.store.PresaleTransactions(f.ctx, presale.ID)
	require.Nil(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, storage.ActionBuy, txs[0].Action)
	assert.True(t, txs[0].TokenAmount.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, txs[0].EthAmount.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, storage.ActionSell, txs[1].Action)
	assert.Equal(t, uint64(4200), txs[1].BlockNumber)

	user, err := f.store.FirstOrCreateUser(f.ctx, buyer.Hex())
	require.Nil(t, err)
	assert.Equal(t, user.ID, txs[0].UserID)

	assert.Equal(t, uint64(5000), stored.LastScannedBlock)

	// the next run starts after the last scanned block
	f.backend.SetHead(5100)
	f.addTrade("TokensPurchased", buyer, "1000000000000000000", "1000000000000000000", 5050, common.HexToHash("0x04"))
	queries := len(f.backend.Queries)
	require.Nil(t, f.engine.UpdatePresaleState(f.ctx, nil))
	assert.Equal(t, uint64(5001), f.backend.Queries[queries].FromBlock.Uint64())
	txs, err = f.store.PresaleTransactions(f.ctx, presale.ID)
	require.Nil(t, err)
	assert.Len(t, txs, 3)
}

func TestPresaleScanResumesAfterFailure(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	presale := f.seedPresale(dao)
	f.backend.Return(presaleAddr, chain.PresaleABI, "getPresaleState",
		big.NewInt(1), big.NewInt(4), big.NewInt(50), big.NewInt(900), big.NewInt(100))

	buyer := common.HexToAddress("0xD000000000000000000000000000000000000001")
	f.addTrade("TokensPurchased", buyer, "1000000000000000000", "1000000000000000000", 4100, common.HexToHash("0x01"))
	f.addTrade("TokensPurchased", buyer, "2000000000000000000", "1000000000000000000", 4100, common.HexToHash("0x05"))
	f.addTrade("TokensSold", buyer, "500000000000000000", "250000000000000000", 4050, common.HexToHash("0x02"))
	f.backend.FailReceipt(common.HexToHash("0x05"), 1)

	err := f.engine.UpdatePresaleState(f.ctx, &presale.ID)
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "429")

	stored, err := f.store.Presale(f.ctx, presale.ID)
	require.Nil(t, err)
	assert.Equal(t, uint64(0), stored.LastScannedBlock)

	require.Nil(t, f.engine.UpdatePresaleState(f.ctx, &presale.ID))

	txs, err := f.store.PresaleTransactions(f.ctx, presale.ID)
	require.Nil(t, err)
	require.Len(t, txs, 3)
	hashes := lo.Map(txs, func(tx storage.PresaleTransaction, _ int) string { return tx.TransactionHash })
	assert.ElementsMatch(t, []string{
		common.HexToHash("0x01").Hex(),
		common.HexToHash("0x05").Hex(),
		common.HexToHash("0x02").Hex(),
	}, hashes)

	stored, err = f.store.Presale(f.ctx, presale.ID)
	require.Nil(t, err)
	assert.Equal(t, uint64(5000), stored.LastScannedBlock)
}

func TestPresaleEventsIdempotent(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	presale := f.seedPresale(dao)
	buyer := common.HexToAddress("0xD000000000000000000000000000000000000001")
	f.addTrade("TokensPurchased", buyer, "1000000000000000000", "1000000000000000000", 4100, common.HexToHash("0x01"))
	f.addTrade("TokensPurchased", buyer, "2000000000000000000", "1000000000000000000", 4150, common.HexToHash("0x02"))

	r := f.reader()
	ps := f.engine.presales
	first, err := ps.scan(f.ctx, r, presale, presaleAddr, "TokensPurchased", storage.ActionBuy, 0, 5000)
	require.Nil(t, err)
	assert.Len(t, first, 2)

	// overlapping range
	second, err := ps.scan(f.ctx, r, presale, presaleAddr, "TokensPurchased", storage.ActionBuy, 4000, 5000)
	require.Nil(t, err)
	assert.Len(t, second, 0)

	txs, err := f.store.PresaleTransactions(f.ctx, presale.ID)
	require.Nil(t, err)
	assert.Len(t, txs, 2)
}

func TestPresaleSoldOut(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	presale := f.seedPresale(dao)
	f.backend.Return(presaleAddr, chain.PresaleABI, "getPresaleState",
		big.NewInt(5), big.NewInt(9), big.NewInt(0), big.NewInt(0), big.NewInt(7000))

	require.Nil(t, f.engine.UpdatePresaleState(f.ctx, nil))

	stored, err := f.store.Presale(f.ctx, presale.ID)
	require.Nil(t, err)
	assert.Equal(t, storage.PresaleCompleted, stored.Status)

	// completed presales are no longer swept
	active, err := f.store.ActivePresales(f.ctx)
	require.Nil(t, err)
	assert.Len(t, active, 0)
}

func TestRefreshTreasury(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	f.backend.SetBalance(treasuryAddr, big.NewInt(7))

	// token balance call reverts, native balance still lands
	balances, err := f.engine.RefreshTreasury(f.ctx, dao.ID)
	require.Nil(t, err)
	assert.Equal(t, "0", balances[tokenAddr.Hex()])
	assert.Equal(t, "7", balances[NativeAsset.Hex()])

	f.backend.Return(tokenAddr, chain.DaoABI, "balanceOf", big.NewInt(42))
	_, err = f.engine.RefreshTreasury(f.ctx, dao.ID)
	require.Nil(t, err)

	treasury, err := f.store.Treasury(f.ctx, dao.ID)
	require.Nil(t, err)
	assert.Equal(t, "42", treasury.Balances[tokenAddr.Hex()])
	assert.Equal(t, "7", treasury.Balances[NativeAsset.Hex()])
	assert.Len(t, treasury.Balances, 2)

	// a failed read keeps the stored balance instead of zeroing it
	f.backend.Handle(tokenAddr, chain.DaoABI, "balanceOf", func([]interface{}) ([]interface{}, error) {
		return nil, errors.New("429 too many requests")
	})
	f.backend.SetBalance(treasuryAddr, big.NewInt(9))
	balances, err = f.engine.RefreshTreasury(f.ctx, dao.ID)
	require.Nil(t, err)
	assert.Equal(t, "42", balances[tokenAddr.Hex()])
	assert.Equal(t, "9", balances[NativeAsset.Hex()])

	treasury, err = f.store.Treasury(f.ctx, dao.ID)
	require.Nil(t, err)
	assert.Equal(t, "42", treasury.Balances[tokenAddr.Hex()])
}

func TestSyncStake(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	f.backend.Handle(stakingAddr, chain.StakingABI, "stakedAmount", func(args []interface{}) ([]interface{}, error) {
		assert.Equal(t, voterA, args[0].(common.Address))
		return []interface{}{big.NewInt(250)}, nil
	})
	f.backend.Return(stakingAddr, chain.StakingABI, "getVotingPower", big.NewInt(300))

	stake, err := f.engine.SyncStake(f.ctx, dao.ID, voterA.Hex())
	require.Nil(t, err)
	assert.True(t, stake.Amount.Equal(decimal.NewFromInt(250)))
	assert.True(t, stake.VotingPower.Equal(decimal.NewFromInt(300)))

	_, err = f.engine.SyncStake(f.ctx, dao.ID, "0x123")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCleanupDrafts(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	stale := f.seedDraft(dao, "stale", Transfer, nil)
	fresh := f.seedDraft(dao, "fresh", Transfer, nil)
	active := f.seedActive(dao, 0, Pause, f.now.Unix(), nil)

	require.Nil(t, f.store.DB().Model(&storage.Dip{}).Where("id IN ?", []uint{stale.ID, active.ID}).
		Update("created_at", time.Now().Add(-48*time.Hour)).Error)

	f.now = time.Now()
	n, err := f.engine.CleanupDrafts(f.ctx, 24*time.Hour)
	require.Nil(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.store.Dip(f.ctx, stale.ID)
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)
	_, err = f.store.Dip(f.ctx, fresh.ID)
	assert.Nil(t, err)
	_, err = f.store.Dip(f.ctx, active.ID)
	assert.Nil(t, err)
}

func TestDueDips(t *testing.T) {
	f := newFixture(t)
	dao := f.seedDao()
	due := f.seedActive(dao, 0, Pause, f.now.Unix()-1, nil)
	voting := f.seedActive(dao, 1, Pause, f.now.Unix()+1, nil)
	f.seedDraft(dao, "draft", Pause, nil)

	dips, err := f.engine.DueDips(f.ctx)
	require.Nil(t, err)
	require.Len(t, dips, 1)
	assert.Equal(t, due.ID, dips[0].ID)

	dips, err = f.engine.VotingDips(f.ctx)
	require.Nil(t, err)
	require.Len(t, dips, 1)
	assert.Equal(t, voting.ID, dips[0].ID)
}
