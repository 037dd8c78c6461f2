package core

import (
	"context"
	"math/big"
	"time"

	"github.com/dipforum/reconciler/chain"
	"github.com/dipforum/reconciler/storage"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PresaleSyncer mirrors presale contract state and ingests buy and sell events.
type PresaleSyncer struct {
	store     *storage.Store
	retries   uint
	scanRange uint64
	delay     time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	logger    logrus.FieldLogger
}

func NewPresaleSyncer(store *storage.Store, retries uint, scanRange uint64, delay time.Duration, sleep func(context.Context, time.Duration) error, logger logrus.FieldLogger) *PresaleSyncer {
	return &PresaleSyncer{
		store:     store,
		retries:   retries,
		scanRange: scanRange,
		delay:     delay,
		sleep:     sleep,
		logger:    logger,
	}
}

// RefreshState overwrites tier, price and remaining amounts from getPresaleState.
// A presale with nothing left to sell becomes Completed.
func (s *PresaleSyncer) RefreshState(ctx context.Context, r chain.Reader, presale *storage.Presale) (*storage.Presale, error) {
	if !common.IsHexAddress(presale.PresaleContract) {
		return nil, validationErrorf("presale %d has invalid contract %q", presale.ID, presale.PresaleContract)
	}
	contract := common.HexToAddress(presale.PresaleContract)

	out, err := callWithRetry(ctx, r, s.retries, chain.PresaleABI, contract, "getPresaleState")
	if err != nil {
		return nil, err
	}
	fields := make([]*big.Int, 5)
	for i := range fields {
		if fields[i], err = outBig(out, i); err != nil {
			return nil, &ChainCallError{Contract: contract.Hex(), Method: "getPresaleState", Err: err}
		}
	}
	if !fields[0].IsInt64() {
		return nil, errors.Errorf("presale tier %s out of range", fields[0])
	}

	presale.CurrentTier = fields[0].Int64()
	presale.CurrentPrice = toDecimal(fields[1])
	presale.RemainingInTier = toDecimal(fields[2])
	presale.TotalRemaining = toDecimal(fields[3])
	presale.TotalRaised = toDecimal(fields[4])
	if fields[3].Sign() == 0 && presale.Status != storage.PresaleCompleted {
		presale.Status = storage.PresaleCompleted
		s.logger.WithField("presale_id", presale.ID).Info("presale sold out")
	}

	if err := s.store.SavePresale(ctx, presale); err != nil {
		return nil, errors.Wrap(err, "save presale")
	}
	return presale, nil
}

// startBlock is one past the scan cursor, else the deployment block, else the scan window.
// The cursor only moves once both event kinds were ingested, so a failed run rescans its range.
func (s *PresaleSyncer) startBlock(presale *storage.Presale, head uint64) uint64 {
	if presale.LastScannedBlock > 0 {
		return presale.LastScannedBlock + 1
	}
	if presale.DeploymentBlock > 0 {
		return presale.DeploymentBlock
	}
	if head < s.scanRange {
		return 0
	}
	return head - s.scanRange
}

// FetchEvents ingests TokensPurchased and TokensSold events once per transaction hash.
func (s *PresaleSyncer) FetchEvents(ctx context.Context, r chain.Reader, presale *storage.Presale) ([]storage.PresaleTransaction, error) {
	if !common.IsHexAddress(presale.PresaleContract) {
		return nil, validationErrorf("presale %d has invalid contract %q", presale.ID, presale.PresaleContract)
	}
	contract := common.HexToAddress(presale.PresaleContract)

	head, err := r.BlockNumber(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get current block")
	}
	from := s.startBlock(presale, head)
	if err := s.sleep(ctx, s.delay); err != nil {
		return nil, err
	}
	if from > head {
		return nil, nil
	}

	var ingested []storage.PresaleTransaction
	for _, kind := range []struct {
		event  string
		action storage.PresaleAction
	}{
		{"TokensPurchased", storage.ActionBuy},
		{"TokensSold", storage.ActionSell},
	} {
		txs, err := s.scan(ctx, r, presale, contract, kind.event, kind.action, from, head)
		if err != nil {
			return ingested, err
		}
		ingested = append(ingested, txs...)
	}

	if err := s.store.SetPresaleCursor(ctx, presale.ID, head); err != nil {
		return ingested, errors.Wrap(err, "save scan cursor")
	}
	presale.LastScannedBlock = head
	return ingested, nil
}

func (s *PresaleSyncer) scan(ctx context.Context, r chain.Reader, presale *storage.Presale, contract common.Address, event string, action storage.PresaleAction, from, to uint64) ([]storage.PresaleTransaction, error) {
	ev := chain.MustEvent(chain.PresaleABI, event)
	logger := s.logger.WithFields(logrus.Fields{"presale_id": presale.ID, "event": event})

	width := s.scanRange
	if width == 0 {
		width = to - from
	}

	var ingested []storage.PresaleTransaction
	for start := from; start <= to; {
		end := to
		if to-start > width {
			end = start + width
		}

		logs, err := r.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{contract},
			Topics:    [][]common.Hash{{ev.ID}},
		})
		if err != nil {
			return ingested, errors.Wrapf(err, "get %s logs %d-%d", event, start, end)
		}
		logger.WithFields(logrus.Fields{"from_block": start, "to_block": end}).Debugf("found %d logs", len(logs))

		for _, l := range logs {
			tx, err := s.ingest(ctx, r, presale, contract, ev.ID, action, l)
			if err != nil {
				return ingested, err
			}
			if tx != nil {
				ingested = append(ingested, *tx)
			}
		}

		if end == to {
			break
		}
		start = end + 1
	}
	return ingested, nil
}

func (s *PresaleSyncer) ingest(ctx context.Context, r chain.Reader, presale *storage.Presale, contract common.Address, eventID common.Hash, action storage.PresaleAction, l types.Log) (*storage.PresaleTransaction, error) {
	hash := l.TxHash.Hex()
	exists, err := s.store.PresaleTransactionExists(ctx, hash)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	receipt, err := r.TransactionReceipt(ctx, l.TxHash)
	if err != nil {
		return nil, errors.Wrapf(err, "get receipt %s", hash)
	}
	decoded, err := decodeTradeLog(receipt, contract, eventID)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", hash)
	}
	if decoded == nil {
		s.logger.WithField("tx", hash).Warn("receipt carries no matching presale event")
		return nil, nil
	}

	user, err := s.store.FirstOrCreateUser(ctx, decoded.party.Hex())
	if err != nil {
		return nil, err
	}
	tx := &storage.PresaleTransaction{
		PresaleID:       presale.ID,
		UserID:          user.ID,
		Action:          action,
		TokenAmount:     scaleDown(decoded.tokenAmount),
		EthAmount:       scaleDown(decoded.ethAmount),
		BlockNumber:     decoded.blockNumber,
		TransactionHash: hash,
	}
	if err := s.store.CreatePresaleTransaction(ctx, tx); err != nil {
		return nil, errors.Wrapf(err, "insert presale transaction %s", hash)
	}
	s.logger.WithFields(logrus.Fields{"presale_id": presale.ID, "tx": hash, "action": action}).Info("presale transaction ingested")
	return tx, nil
}

type tradeLog struct {
	party       common.Address
	tokenAmount *big.Int
	ethAmount   *big.Int
	blockNumber uint64
}

// decodeTradeLog returns the first log of the receipt emitted by contract for the event, or nil.
func decodeTradeLog(receipt *types.Receipt, contract common.Address, eventID common.Hash) (*tradeLog, error) {
	parsed, err := chain.LoadABI(chain.PresaleABI)
	if err != nil {
		return nil, err
	}
	ev, err := parsed.EventByID(eventID)
	if err != nil {
		return nil, err
	}

	for _, rl := range receipt.Logs {
		if rl.Address != contract || len(rl.Topics) < 2 || rl.Topics[0] != eventID {
			continue
		}
		values, err := ev.Inputs.NonIndexed().Unpack(rl.Data)
		if err != nil {
			return nil, err
		}
		t := &tradeLog{party: chain.TopicAddress(rl.Topics[1]), blockNumber: rl.BlockNumber}
		if t.tokenAmount, err = outBig(values, 0); err != nil {
			return nil, err
		}
		if t.ethAmount, err = outBig(values, 1); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, nil
}
