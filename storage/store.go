package storage

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrRecordNotFound = gorm.ErrRecordNotFound

// Store is the repository the engine persists through. Inside Transaction the
// callback receives a Store bound to the open transaction.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// FirstOrCreateUser resolves a user by wallet address, creating it on first sight.
func (s *Store) FirstOrCreateUser(ctx context.Context, address string) (*User, error) {
	u := &User{}
	err := s.conn(ctx).Where(User{EthAddress: strings.ToLower(address)}).FirstOrCreate(u).Error
	if err != nil {
		return nil, errors.Wrapf(err, "resolve user %s", address)
	}
	return u, nil
}

func (s *Store) CreateDao(ctx context.Context, dao *Dao, contract *Contract) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if err := tx.db.Omit("Contract").Create(dao).Error; err != nil {
			return errors.Wrap(err, "create dao")
		}
		contract.DaoID = dao.ID
		if err := tx.db.Create(contract).Error; err != nil {
			return errors.Wrap(err, "create contract")
		}
		dao.Contract = contract
		return nil
	})
}

// DaoByAddress finds a registered DAO by its contract address on one network.
func (s *Store) DaoByAddress(ctx context.Context, daoAddress string, network uint64) (*Dao, error) {
	dao := &Dao{}
	err := s.conn(ctx).
		Joins("JOIN contracts ON contracts.dao_id = daos.id").
		Where("LOWER(contracts.dao_address) = ? AND daos.network = ?", strings.ToLower(daoAddress), network).
		Preload("Contract").
		First(dao).Error
	if err != nil {
		return nil, err
	}
	return dao, nil
}

func (s *Store) Dao(ctx context.Context, id uint) (*Dao, error) {
	dao := &Dao{}
	if err := s.conn(ctx).Preload("Contract").First(dao, id).Error; err != nil {
		return nil, err
	}
	return dao, nil
}

func (s *Store) ActiveDaos(ctx context.Context) ([]Dao, error) {
	var daos []Dao
	err := s.conn(ctx).Preload("Contract").Where("is_active = ?", true).Order("id").Find(&daos).Error
	return daos, err
}

func (s *Store) SetDaoVersion(ctx context.Context, daoID uint, version string) error {
	return s.conn(ctx).Model(&Dao{}).Where("id = ?", daoID).Update("version", version).Error
}

func (s *Store) IncrementDipCount(ctx context.Context, daoID uint, n int) error {
	if n == 0 {
		return nil
	}
	return s.conn(ctx).Model(&Dao{}).Where("id = ?", daoID).
		UpdateColumn("dip_count", gorm.Expr("dip_count + ?", n)).Error
}

// ProposalIDs lists the on-chain ids already stored for a DAO.
func (s *Store) ProposalIDs(ctx context.Context, daoID uint) ([]int64, error) {
	var ids []int64
	err := s.conn(ctx).Model(&Dip{}).
		Where("dao_id = ? AND proposal_id IS NOT NULL", daoID).
		Pluck("proposal_id", &ids).Error
	return ids, err
}

// LockDrafts selects the unclaimed drafts of a DAO FOR UPDATE, oldest first.
// It must run inside Transaction for the lock to be held.
func (s *Store) LockDrafts(ctx context.Context, daoID uint) ([]Dip, error) {
	var dips []Dip
	err := s.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("dao_id = ? AND status = ? AND proposal_id IS NULL", daoID, DipDraft).
		Order("created_at, id").
		Find(&dips).Error
	return dips, err
}

func (s *Store) Dip(ctx context.Context, id uint) (*Dip, error) {
	dip := &Dip{}
	if err := s.conn(ctx).First(dip, id).Error; err != nil {
		return nil, err
	}
	return dip, nil
}

func (s *Store) CreateDip(ctx context.Context, dip *Dip) error {
	return s.conn(ctx).Create(dip).Error
}

func (s *Store) SaveDip(ctx context.Context, dip *Dip) error {
	return s.conn(ctx).Save(dip).Error
}

func (s *Store) SetDipStatus(ctx context.Context, dipID uint, status DipStatus) error {
	return s.conn(ctx).Model(&Dip{}).Where("id = ?", dipID).Update("status", status).Error
}

// DueDips lists Active proposals whose stored voting window closed at or before now.
func (s *Store) DueDips(ctx context.Context, now int64) ([]Dip, error) {
	var dips []Dip
	err := s.conn(ctx).
		Where("status = ? AND end_time IS NOT NULL AND end_time <= ?", DipActive, now).
		Order("id").
		Find(&dips).Error
	return dips, err
}

// VotingDips lists Active proposals whose voting window is still open at now.
func (s *Store) VotingDips(ctx context.Context, now int64) ([]Dip, error) {
	var dips []Dip
	err := s.conn(ctx).
		Where("status = ? AND (end_time IS NULL OR end_time > ?)", DipActive, now).
		Order("id").
		Find(&dips).Error
	return dips, err
}

// DeleteStaleDrafts removes drafts created before the cutoff. Claimed proposals are never touched.
func (s *Store) DeleteStaleDrafts(ctx context.Context, before time.Time) (int64, error) {
	res := s.conn(ctx).
		Where("status = ? AND proposal_id IS NULL AND created_at < ?", DipDraft, before).
		Delete(&Dip{})
	return res.RowsAffected, res.Error
}

// FirstOrCreateVote records a vote unless one exists for the pair; an existing vote is returned unchanged.
func (s *Store) FirstOrCreateVote(ctx context.Context, vote *Vote) (*Vote, bool, error) {
	existing := &Vote{}
	err := s.conn(ctx).Where("dip_id = ? AND user_id = ?", vote.DipID, vote.UserID).First(existing).Error
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	if err := s.conn(ctx).Create(vote).Error; err != nil {
		return nil, false, errors.Wrap(err, "create vote")
	}
	return vote, true, nil
}

func (s *Store) Votes(ctx context.Context, dipID uint) ([]Vote, error) {
	var votes []Vote
	err := s.conn(ctx).Where("dip_id = ?", dipID).Order("id").Find(&votes).Error
	return votes, err
}

func (s *Store) UpsertStake(ctx context.Context, stake *Stake) error {
	return s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dao_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"amount", "voting_power", "updated_at"}),
	}).Create(stake).Error
}

func (s *Store) Stake(ctx context.Context, daoID, userID uint) (*Stake, error) {
	stake := &Stake{}
	if err := s.conn(ctx).Where("dao_id = ? AND user_id = ?", daoID, userID).First(stake).Error; err != nil {
		return nil, err
	}
	return stake, nil
}

func (s *Store) CreatePresale(ctx context.Context, p *Presale) error {
	return s.conn(ctx).Create(p).Error
}

func (s *Store) SavePresale(ctx context.Context, p *Presale) error {
	return s.conn(ctx).Save(p).Error
}

func (s *Store) Presale(ctx context.Context, id uint) (*Presale, error) {
	p := &Presale{}
	if err := s.conn(ctx).First(p, id).Error; err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) ActivePresales(ctx context.Context) ([]Presale, error) {
	var ps []Presale
	err := s.conn(ctx).Where("status = ?", PresaleActive).Order("id").Find(&ps).Error
	return ps, err
}

// LockDao selects the DAO row FOR UPDATE. It must run inside Transaction for the lock to be held.
func (s *Store) LockDao(ctx context.Context, daoID uint) error {
	dao := &Dao{}
	return s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").First(dao, daoID).Error
}

// HasActivePresale reports whether the DAO already runs an Active presale.
func (s *Store) HasActivePresale(ctx context.Context, daoID uint) (bool, error) {
	var n int64
	err := s.conn(ctx).Model(&Presale{}).Where("dao_id = ? AND status = ?", daoID, PresaleActive).Count(&n).Error
	return n > 0, err
}

// PresaleByContract looks a presale up by address, ignoring checksum case.
func (s *Store) PresaleByContract(ctx context.Context, daoID uint, address string) (*Presale, error) {
	p := &Presale{}
	err := s.conn(ctx).
		Where("dao_id = ? AND LOWER(presale_contract) = ?", daoID, strings.ToLower(address)).
		Order("id DESC").
		First(p).Error
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SetPresaleCursor records the last block whose buy and sell events were fully ingested.
func (s *Store) SetPresaleCursor(ctx context.Context, presaleID uint, block uint64) error {
	return s.conn(ctx).Model(&Presale{}).Where("id = ?", presaleID).
		UpdateColumn("last_scanned_block", block).Error
}

func (s *Store) PresaleTransactionExists(ctx context.Context, hash string) (bool, error) {
	var n int64
	err := s.conn(ctx).Model(&PresaleTransaction{}).Where("transaction_hash = ?", hash).Count(&n).Error
	return n > 0, err
}

// CreatePresaleTransaction fails on the unique hash constraint for a duplicate insert.
func (s *Store) CreatePresaleTransaction(ctx context.Context, t *PresaleTransaction) error {
	return s.conn(ctx).Create(t).Error
}

func (s *Store) PresaleTransactions(ctx context.Context, presaleID uint) ([]PresaleTransaction, error) {
	var ts []PresaleTransaction
	err := s.conn(ctx).Where("presale_id = ?", presaleID).Order("block_number, id").Find(&ts).Error
	return ts, err
}

// SaveTreasury overwrites the balance map of a DAO.
func (s *Store) SaveTreasury(ctx context.Context, daoID uint, balances map[string]interface{}) error {
	return s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dao_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"balances", "updated_at"}),
	}).Create(&Treasury{DaoID: daoID, Balances: datatypes.JSONMap(balances)}).Error
}

func (s *Store) Treasury(ctx context.Context, daoID uint) (*Treasury, error) {
	t := &Treasury{}
	if err := s.conn(ctx).Where("dao_id = ?", daoID).First(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}
