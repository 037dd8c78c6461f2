package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var ErrUnknownNetwork = errors.New("unknown network")

// ConnectionError reports that no attempt produced an RPC-responsive endpoint.
type ConnectionError struct {
	Network  uint64
	Attempts uint
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("could not connect to network %d after %d attempts: %v", e.Network, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// gated providers take the api key as a query parameter
const gatedProviderHost = "drpc.org"

// ProviderURL appends the api key for gated providers. The second value is safe to log.
func ProviderURL(rawURL, apiKey string) (string, string, error) {
	if !strings.Contains(rawURL, gatedProviderHost) {
		return rawURL, rawURL, nil
	}
	if apiKey == "" {
		return "", rawURL, errors.New("provider api key is required but not set")
	}
	return rawURL + "&dkey=" + apiKey, rawURL + "&dkey=***", nil
}

type ConnectOptions struct {
	Retries           uint
	Delay             time.Duration
	RequestsPerSecond float64
	Dial              DialFunc
	Logger            logrus.FieldLogger
}

// Connect dials url and accepts the backend only after an eth_blockNumber probe succeeds.
func Connect(ctx context.Context, network uint64, url, loggedURL string, opts ConnectOptions) (*Gateway, error) {
	if opts.Retries == 0 {
		opts.Retries = 3
	}
	if opts.Dial == nil {
		opts.Dial = DialEthclient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithFields(logrus.Fields{"network": network, "provider": loggedURL})

	var backend Backend
	var lastErr error
	action := func(attempt uint) error {
		if err := ctx.Err(); err != nil {
			lastErr = err
			return nil
		}
		logger.Infof("connection attempt %d/%d", attempt+1, opts.Retries)

		b, err := opts.Dial(ctx, url)
		if err != nil {
			lastErr = err
			logger.Warnf("connection attempt %d failed: %s", attempt+1, err)
			return err
		}
		if _, err := b.BlockNumber(ctx); err != nil {
			b.Close()
			lastErr = err
			logger.Warnf("connection attempt %d failed rpc probe: %s", attempt+1, err)
			return err
		}
		backend = b
		return nil
	}

	_ = retry.Retry(action, strategy.Limit(opts.Retries), strategy.Wait(opts.Delay))
	if backend == nil {
		logger.Errorf("failed to connect after %d attempts", opts.Retries)
		return nil, &ConnectionError{Network: network, Attempts: opts.Retries, Err: lastErr}
	}

	logger.Info("connection established")
	return NewGateway(network, backend, opts.RequestsPerSecond), nil
}

// Gateway is a rate limited Reader over one backend.
type Gateway struct {
	network uint64
	backend Backend
	limiter *rate.Limiter

	chainIDOnce sync.Once
	chainID     *big.Int
	chainIDErr  error
}

var _ Reader = (*Gateway)(nil)

func NewGateway(network uint64, backend Backend, requestsPerSecond float64) *Gateway {
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		if requestsPerSecond > 1 {
			burst = int(requestsPerSecond)
		}
	}
	return &Gateway{
		network: network,
		backend: backend,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (g *Gateway) Network() uint64 {
	return g.network
}

func (g *Gateway) wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	if err := g.wait(ctx); err != nil {
		return 0, err
	}
	return g.backend.BlockNumber(ctx)
}

func (g *Gateway) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if q.FromBlock == nil || q.ToBlock == nil {
		return nil, errors.New("log queries require an explicit block range")
	}
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	return g.backend.FilterLogs(ctx, q)
}

func (g *Gateway) TransactionSender(ctx context.Context, hash common.Hash) (common.Address, error) {
	if err := g.wait(ctx); err != nil {
		return common.Address{}, err
	}
	tx, _, err := g.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return common.Address{}, errors.Wrapf(err, "get transaction %s", hash.Hex())
	}

	g.chainIDOnce.Do(func() {
		g.chainID, g.chainIDErr = g.backend.ChainID(ctx)
	})
	if g.chainIDErr != nil {
		return common.Address{}, errors.Wrap(g.chainIDErr, "get chain id")
	}

	return types.Sender(types.LatestSignerForChainID(g.chainID), tx)
}

func (g *Gateway) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	return g.backend.TransactionReceipt(ctx, hash)
}

func (g *Gateway) Call(ctx context.Context, abiName string, contract common.Address, method string, args ...interface{}) ([]interface{}, error) {
	parsed, err := LoadABI(abiName)
	if err != nil {
		return nil, err
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}

	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	out, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s on %s", method, contract.Hex())
	}

	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", method)
	}
	return values, nil
}

func (g *Gateway) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	return g.backend.BalanceAt(ctx, account, nil)
}

func (g *Gateway) Close() {
	g.backend.Close()
}
