package core

import (
	"context"

	"github.com/dipforum/reconciler/chain"
	"github.com/dipforum/reconciler/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// NativeAsset keys the native balance in a treasury balance map.
var NativeAsset = common.Address{}

// TreasuryReader reads the governance token and native balances of a treasury.
type TreasuryReader struct {
	retries uint
	logger  logrus.FieldLogger
}

func NewTreasuryReader(retries uint, logger logrus.FieldLogger) *TreasuryReader {
	return &TreasuryReader{retries: retries, logger: logger}
}

// Balances always returns both entries along with the keys that could not be read.
// An unreadable balance is logged and reported as "0".
func (t *TreasuryReader) Balances(ctx context.Context, r chain.Reader, treasury, token common.Address) (map[string]interface{}, []string) {
	logger := t.logger.WithFields(logrus.Fields{"network": r.Network(), "treasury": treasury.Hex()})
	var failed []string

	native := "0"
	if b, err := r.BalanceAt(ctx, treasury); err != nil {
		logger.Errorf("read native balance: %s", err)
		failed = append(failed, NativeAsset.Hex())
	} else {
		native = b.String()
	}

	tokenBalance := "0"
	if token == NativeAsset {
		tokenBalance = native
	} else if out, err := callWithRetry(ctx, r, t.retries, chain.DaoABI, token, "balanceOf", treasury); err != nil {
		logger.WithField("token", token.Hex()).Errorf("read token balance: %s", err)
		failed = append(failed, token.Hex())
	} else if b, err := outBig(out, 0); err != nil {
		logger.WithField("token", token.Hex()).Errorf("decode token balance: %s", err)
		failed = append(failed, token.Hex())
	} else {
		tokenBalance = b.String()
	}

	return map[string]interface{}{
		token.Hex():       tokenBalance,
		NativeAsset.Hex(): native,
	}, failed
}

// Refresh reads the balances of the DAO treasury and overwrites the stored map.
// A balance that cannot be read keeps its previously stored value.
func (t *TreasuryReader) Refresh(ctx context.Context, r chain.Reader, store *storage.Store, dao *storage.Dao) (map[string]interface{}, error) {
	if dao.Contract == nil {
		return nil, validationErrorf("dao %d has no contracts", dao.ID)
	}
	logger := t.logger.WithField("dao_id", dao.ID)
	balances, failed := t.Balances(ctx, r,
		common.HexToAddress(dao.Contract.TreasuryAddress),
		common.HexToAddress(dao.Contract.TokenAddress))

	if len(failed) > 0 {
		previous, err := store.Treasury(ctx, dao.ID)
		switch {
		case errors.Is(err, storage.ErrRecordNotFound):
		case err != nil:
			return nil, errors.Wrap(err, "load treasury")
		default:
			for _, key := range failed {
				if v, ok := previous.Balances[key]; ok {
					balances[key] = v
					logger.WithField("asset", key).Warnf("balance unreadable, keeping stored value %v", v)
				}
			}
		}
	}

	if err := store.SaveTreasury(ctx, dao.ID, balances); err != nil {
		return nil, errors.Wrap(err, "save treasury")
	}
	logger.Info("treasury balances refreshed")
	return balances, nil
}
