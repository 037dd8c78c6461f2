package core

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type ProposalType uint8

const (
	// Transfer moves treasury tokens to a recipient
	Transfer ProposalType = iota

	// Upgrade replaces the DAO implementations and bumps its version
	Upgrade

	// ModuleUpgrade replaces a single module
	ModuleUpgrade

	// Presale starts a token presale
	Presale

	PresalePause

	PresaleWithdraw

	Pause

	Unpause
)

var proposalTypeNames = [...]string{
	"Transfer",
	"Upgrade",
	"ModuleUpgrade",
	"Presale",
	"PresalePause",
	"PresaleWithdraw",
	"Pause",
	"Unpause",
}

func (t ProposalType) Valid() bool {
	return int(t) < len(proposalTypeNames)
}

func (t ProposalType) String() string {
	if !t.Valid() {
		return "Unknown"
	}
	return proposalTypeNames[t]
}

// ProposalSummary is the getProposal tuple of one on-chain proposal.
type ProposalSummary struct {
	ID           int64
	Type         ProposalType
	ForVotes     *big.Int
	AgainstVotes *big.Int
	EndTime      int64
	Executed     bool
}

func (s *ProposalSummary) TotalVotes() *big.Int {
	return new(big.Int).Add(s.ForVotes, s.AgainstVotes)
}

// ChainProposal is a summary together with its decoded typed payload.
type ChainProposal struct {
	ProposalSummary
	Payload Payload
}

// Data is what gets stored as the proposal data of the local record.
func (p *ChainProposal) Data() map[string]interface{} {
	data := p.Payload.Data()
	data["for_votes"] = p.ForVotes.String()
	data["against_votes"] = p.AgainstVotes.String()
	data["executed"] = p.Executed
	return data
}

// InitialDaoData is what discovery learns about a DAO from its creation event.
type InitialDaoData struct {
	Sender          common.Address
	DaoAddress      common.Address
	TokenAddress    common.Address
	TreasuryAddress common.Address
	StakingAddress  common.Address
	DaoName         string
	Version         string
	TokenName       string
	Symbol          string
	TotalSupply     *big.Int
	BlockNumber     uint64
}

// Outcome is the verdict of one status evaluation.
type Outcome uint8

const (
	// OutcomeUnchanged means the voting window is still open or the end times disagree
	OutcomeUnchanged Outcome = iota
	OutcomeExecuted
	OutcomeFailed
	// OutcomeAwaitingExecution means quorum was reached but the proposal is not executed on chain yet
	OutcomeAwaitingExecution
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExecuted:
		return "executed"
	case OutcomeFailed:
		return "failed"
	case OutcomeAwaitingExecution:
		return "awaiting_execution"
	default:
		return "unchanged"
	}
}
