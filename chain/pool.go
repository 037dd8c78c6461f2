package chain

import (
	"context"
	"os"
	"sync"

	"github.com/dipforum/reconciler/repo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Pool caches one connected Gateway per network so operations do not reconnect per call.
type Pool struct {
	cfg    repo.Chain
	apiKey string
	dial   DialFunc
	logger logrus.FieldLogger

	mu       sync.Mutex
	gateways map[uint64]*Gateway
}

var _ Provider = (*Pool)(nil)

type PoolOption func(*Pool)

func WithDialer(dial DialFunc) PoolOption {
	return func(p *Pool) {
		p.dial = dial
	}
}

func WithAPIKey(key string) PoolOption {
	return func(p *Pool) {
		p.apiKey = key
	}
}

func NewPool(cfg repo.Chain, logger logrus.FieldLogger, opts ...PoolOption) *Pool {
	p := &Pool{
		cfg:      cfg,
		dial:     DialEthclient,
		logger:   logger,
		gateways: make(map[uint64]*Gateway),
	}
	if cfg.APIKeyEnv != "" {
		p.apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Reader(ctx context.Context, network uint64) (Reader, error) {
	p.mu.Lock()
	g, ok := p.gateways[network]
	p.mu.Unlock()
	if ok {
		return g, nil
	}

	n, ok := p.cfg.Network(network)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownNetwork, "network %d", network)
	}
	url, logged, err := ProviderURL(n.RPCURL, p.apiKey)
	if err != nil {
		p.logger.WithField("network", network).Error(err)
		return nil, &ConnectionError{Network: network, Err: err}
	}

	g, err = Connect(ctx, network, url, logged, ConnectOptions{
		Retries:           p.cfg.ConnectRetries,
		Delay:             p.cfg.ConnectDelay,
		RequestsPerSecond: p.cfg.RequestsPerSecond,
		Dial:              p.dial,
		Logger:            p.logger,
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.gateways[network]; ok {
		g.Close()
		return existing, nil
	}
	p.gateways[network] = g
	return g, nil
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, g := range p.gateways {
		g.Close()
		delete(p.gateways, id)
	}
}
