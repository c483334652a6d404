package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// ErrNoLiquidity is returned when no route yields a positive output.
var ErrNoLiquidity = errors.New("no liquidity for route")

// Quote is the best route found for an exact-input swap.
type Quote struct {
	AmountIn  *big.Int
	AmountOut *big.Int
	Path      []common.Address
}

// Quoter prices swaps against the router's getAmountsOut.
type Quoter struct {
	backend Backend
	router  common.Address
	hubs    []common.Address
	logger  zerolog.Logger
}

// NewQuoter constructs a router quoter; hubs are intermediate tokens tried after the direct route.
func NewQuoter(backend Backend, router common.Address, hubs []common.Address, logger zerolog.Logger) *Quoter {
	return &Quoter{
		backend: backend,
		router:  router,
		hubs:    hubs,
		logger:  logger.With().Str("component", "quoter").Logger(),
	}
}

// Router returns the router address the quoter prices against.
func (q *Quoter) Router() common.Address {
	return q.router
}

// QuoteExactIn returns the route with the highest output among the direct route
// and each hub route. Individual route failures are skipped.
func (q *Quoter) QuoteExactIn(ctx context.Context, from, to common.Address, amountIn *big.Int) (Quote, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return Quote{}, errors.New("amount in must be greater than zero")
	}
	if from == to {
		return Quote{}, errors.New("from and to tokens are identical")
	}

	var (
		best    Quote
		lastErr error
	)
	for _, path := range q.routes(from, to) {
		out, err := q.amountsOut(ctx, amountIn, path)
		if err != nil {
			if ctx.Err() != nil {
				return Quote{}, ctx.Err()
			}
			lastErr = err
			q.logger.Debug().Err(err).Int("hops", len(path)-1).Msg("route quote failed")
			continue
		}
		if out.Sign() <= 0 {
			continue
		}
		if best.AmountOut == nil || out.Cmp(best.AmountOut) > 0 {
			best = Quote{AmountIn: new(big.Int).Set(amountIn), AmountOut: out, Path: path}
		}
	}

	if best.AmountOut == nil {
		if lastErr != nil {
			return Quote{}, fmt.Errorf("%w: %v", ErrNoLiquidity, lastErr)
		}
		return Quote{}, ErrNoLiquidity
	}
	return best, nil
}

func (q *Quoter) routes(from, to common.Address) [][]common.Address {
	routes := [][]common.Address{{from, to}}
	for _, hub := range q.hubs {
		if hub == from || hub == to {
			continue
		}
		routes = append(routes, []common.Address{from, hub, to})
	}
	return routes
}

func (q *Quoter) amountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	data, err := packGetAmountsOut(amountIn, path)
	if err != nil {
		return nil, err
	}
	router := q.router
	res, err := q.backend.CallContract(ctx, ethereum.CallMsg{To: &router, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getAmountsOut: %w", err)
	}
	amounts, err := unpackAmounts(res)
	if err != nil {
		return nil, err
	}
	if len(amounts) != len(path) {
		return nil, fmt.Errorf("getAmountsOut returned %d amounts for %d-token path", len(amounts), len(path))
	}
	return amounts[len(amounts)-1], nil
}
