package storage

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type DipStatus string

const (
	DipDraft    DipStatus = "draft"
	DipActive   DipStatus = "active"
	DipExecuted DipStatus = "executed"
	DipFailed   DipStatus = "failed"
)

// Terminal reports whether the engine may still transition the proposal.
func (s DipStatus) Terminal() bool {
	return s == DipExecuted || s == DipFailed
}

type PresaleStatus string

const (
	PresaleActive    PresaleStatus = "active"
	PresalePaused    PresaleStatus = "paused"
	PresaleCompleted PresaleStatus = "completed"
)

type PresaleAction string

const (
	ActionBuy  PresaleAction = "BUY"
	ActionSell PresaleAction = "SELL"
)

// User is keyed by its lowercase wallet address.
type User struct {
	ID         uint   `gorm:"primaryKey"`
	EthAddress string `gorm:"size:42;uniqueIndex;not null"`
	CreatedAt  time.Time
}

type Dao struct {
	ID          uint            `gorm:"primaryKey"`
	OwnerID     uint            `gorm:"index;not null"`
	DaoName     string          `gorm:"size:255"`
	TokenName   string          `gorm:"size:255"`
	Symbol      string          `gorm:"size:32"`
	TotalSupply decimal.Decimal `gorm:"type:numeric"`
	Network     uint64          `gorm:"index;not null"`
	Version     string          `gorm:"size:32"`
	Slug        *string         `gorm:"size:255;uniqueIndex"`
	DipCount    int             `gorm:"not null"`
	IsActive    bool            `gorm:"index"`
	Contract    *Contract       `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Contract holds the addresses of a DAO deployment, written once at registration.
type Contract struct {
	ID              uint   `gorm:"primaryKey"`
	DaoID           uint   `gorm:"uniqueIndex;not null"`
	DaoAddress      string `gorm:"size:42;index;not null"`
	TokenAddress    string `gorm:"size:42"`
	TreasuryAddress string `gorm:"size:42"`
	StakingAddress  string `gorm:"size:42"`
	CreatedAt       time.Time
}

// Dip is a governance proposal. ProposalID stays nil while the record is a draft.
type Dip struct {
	ID           uint              `gorm:"primaryKey"`
	DaoID        uint              `gorm:"uniqueIndex:idx_dip_proposal_dao,priority:2;index;not null"`
	AuthorID     uint              `gorm:"index"`
	Title        string            `gorm:"size:255"`
	Content      string            `gorm:"type:text"`
	Status       DipStatus         `gorm:"size:16;index;not null"`
	ProposalType uint8
	ProposalID   *int64            `gorm:"uniqueIndex:idx_dip_proposal_dao,priority:1"`
	EndTime      *int64
	ProposalData datatypes.JSONMap
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Vote struct {
	ID          uint            `gorm:"primaryKey"`
	DipID       uint            `gorm:"uniqueIndex:idx_vote_dip_user;not null"`
	UserID      uint            `gorm:"uniqueIndex:idx_vote_dip_user;not null"`
	Support     bool
	VotingPower decimal.Decimal `gorm:"type:numeric"`
	CreatedAt   time.Time
}

type Stake struct {
	ID          uint            `gorm:"primaryKey"`
	DaoID       uint            `gorm:"uniqueIndex:idx_stake_dao_user;not null"`
	UserID      uint            `gorm:"uniqueIndex:idx_stake_dao_user;not null"`
	Amount      decimal.Decimal `gorm:"type:numeric"`
	VotingPower decimal.Decimal `gorm:"type:numeric"`
	UpdatedAt   time.Time
}

type Presale struct {
	ID               uint            `gorm:"primaryKey"`
	DaoID            uint            `gorm:"index;not null"`
	DipID            *uint           `gorm:"index"`
	PresaleContract  string          `gorm:"size:42;index;not null"`
	TotalTokenAmount decimal.Decimal `gorm:"type:numeric"`
	InitialPrice     decimal.Decimal `gorm:"type:numeric"`
	Status           PresaleStatus   `gorm:"size:16;index;not null"`
	CurrentTier      int64
	CurrentPrice     decimal.Decimal `gorm:"type:numeric"`
	RemainingInTier  decimal.Decimal `gorm:"type:numeric"`
	TotalRemaining   decimal.Decimal `gorm:"type:numeric"`
	TotalRaised      decimal.Decimal `gorm:"type:numeric"`
	DeploymentBlock  uint64
	LastScannedBlock uint64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PresaleTransaction is an append-only ledger entry, TransactionHash is the idempotency key.
type PresaleTransaction struct {
	ID              uint            `gorm:"primaryKey"`
	PresaleID       uint            `gorm:"index;not null"`
	UserID          uint            `gorm:"index"`
	Action          PresaleAction   `gorm:"size:8;not null"`
	TokenAmount     decimal.Decimal `gorm:"type:numeric"`
	EthAmount       decimal.Decimal `gorm:"type:numeric"`
	BlockNumber     uint64          `gorm:"index"`
	TransactionHash string          `gorm:"size:66;uniqueIndex;not null"`
	CreatedAt       time.Time
}

// Treasury balances are keyed by token address, the zero address holds the native balance.
type Treasury struct {
	ID        uint              `gorm:"primaryKey"`
	DaoID     uint              `gorm:"uniqueIndex;not null"`
	Balances  datatypes.JSONMap
	UpdatedAt time.Time
}

func allModels() []interface{} {
	return []interface{}{
		&User{},
		&Dao{},
		&Contract{},
		&Dip{},
		&Vote{},
		&Stake{},
		&Presale{},
		&PresaleTransaction{},
		&Treasury{},
	}
}
