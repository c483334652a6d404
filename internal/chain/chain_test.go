package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	usdc   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	usdt   = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	weth   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	router = common.HexToAddress("0x00000000000000000000000000000000000000d0")
)

type callFunc func(call ethereum.CallMsg) ([]byte, error)

type fakeBackend struct {
	call callFunc
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return f.call(call)
}
func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }
func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error)            { return big.NewInt(1), nil }
func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(1)}, nil
}
func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 21000, nil }
func (f *fakeBackend) SendTransaction(context.Context, *types.Transaction) error    { return nil }
func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func encodeAmounts(t *testing.T, amounts ...*big.Int) []byte {
	t.Helper()
	out, err := routerABI.Methods["getAmountsOut"].Outputs.Pack(amounts)
	if err != nil {
		t.Fatalf("pack amounts: %v", err)
	}
	return out
}

func decodePath(t *testing.T, data []byte) []common.Address {
	t.Helper()
	args, err := routerABI.Methods["getAmountsOut"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack getAmountsOut input: %v", err)
	}
	return args[1].([]common.Address)
}

func TestQuoterDirectRoute(t *testing.T) {
	backend := &fakeBackend{call: func(call ethereum.CallMsg) ([]byte, error) {
		path := decodePath(t, call.Data)
		if len(path) == 2 {
			return encodeAmounts(t, big.NewInt(1000), big.NewInt(998)), nil
		}
		return encodeAmounts(t, big.NewInt(1000), big.NewInt(5), big.NewInt(990)), nil
	}}
	q := NewQuoter(backend, router, []common.Address{weth}, zerolog.Nop())

	quote, err := q.QuoteExactIn(context.Background(), usdc, usdt, big.NewInt(1000))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.AmountOut.Int64() != 998 || len(quote.Path) != 2 {
		t.Fatalf("expected direct route with 998 out, got %v via %d hops", quote.AmountOut, len(quote.Path)-1)
	}
}

func TestQuoterFallsBackToHubRoute(t *testing.T) {
	backend := &fakeBackend{call: func(call ethereum.CallMsg) ([]byte, error) {
		if len(decodePath(t, call.Data)) == 2 {
			return nil, errors.New("execution reverted: UniswapV2Library: INSUFFICIENT_LIQUIDITY")
		}
		return encodeAmounts(t, big.NewInt(1000), big.NewInt(3), big.NewInt(970)), nil
	}}
	q := NewQuoter(backend, router, []common.Address{weth, usdc}, zerolog.Nop())

	quote, err := q.QuoteExactIn(context.Background(), usdc, usdt, big.NewInt(1000))
	if err != nil {
		t.Fatalf("hub route should succeed: %v", err)
	}
	if len(quote.Path) != 3 || quote.Path[1] != weth {
		t.Fatalf("expected hub route via weth, got %v", quote.Path)
	}
}

func TestQuoterNoLiquidity(t *testing.T) {
	backend := &fakeBackend{call: func(call ethereum.CallMsg) ([]byte, error) {
		return nil, errors.New("execution reverted")
	}}
	q := NewQuoter(backend, router, []common.Address{weth}, zerolog.Nop())

	if _, err := q.QuoteExactIn(context.Background(), usdc, usdt, big.NewInt(1000)); !errors.Is(err, ErrNoLiquidity) {
		t.Fatalf("expected ErrNoLiquidity, got %v", err)
	}

	zero := &fakeBackend{call: func(call ethereum.CallMsg) ([]byte, error) {
		return encodeAmounts(t, big.NewInt(1000), big.NewInt(0)), nil
	}}
	q = NewQuoter(zero, router, nil, zerolog.Nop())
	if _, err := q.QuoteExactIn(context.Background(), usdc, usdt, big.NewInt(1000)); !errors.Is(err, ErrNoLiquidity) {
		t.Fatalf("zero output should be no liquidity, got %v", err)
	}
}

func TestBalanceAndAllowance(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	backend := &fakeBackend{call: func(call ethereum.CallMsg) ([]byte, error) {
		method, err := erc20ABI.MethodById(call.Data[:4])
		if err != nil {
			t.Fatalf("unexpected selector: %v", err)
		}
		value := big.NewInt(42)
		if method.Name == "allowance" {
			value = big.NewInt(7)
		}
		return method.Outputs.Pack(value)
	}}

	bal, err := BalanceOf(context.Background(), backend, usdc, owner)
	if err != nil || bal.Int64() != 42 {
		t.Fatalf("balance = %v, %v", bal, err)
	}
	allow, err := Allowance(context.Background(), backend, usdc, owner, router)
	if err != nil || allow.Int64() != 7 {
		t.Fatalf("allowance = %v, %v", allow, err)
	}
}

func TestRegistryConversions(t *testing.T) {
	reg, err := NewRegistry(Token{Symbol: "usdc", Address: usdc, Decimals: 6})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	tok, err := reg.Lookup("USDC")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	atoms := tok.ToAtoms(decimal.RequireFromString("12.3456789"))
	if atoms.String() != "12345678" {
		t.Fatalf("atoms = %s", atoms)
	}
	if !tok.FromAtoms(atoms).Equal(decimal.RequireFromString("12.345678")) {
		t.Fatalf("round trip = %s", tok.FromAtoms(atoms))
	}
	if _, err := reg.Lookup("DAI"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	if _, err := NewRegistry(Token{Symbol: "A"}, Token{Symbol: "a"}); err == nil {
		t.Fatal("duplicate symbols should fail")
	}
}

func TestMethodName(t *testing.T) {
	data, err := PackApprove(router, big.NewInt(1))
	if err != nil {
		t.Fatalf("pack approve: %v", err)
	}
	if MethodName(data) != "approve" {
		t.Fatalf("method = %s", MethodName(data))
	}
	swap, err := PackSwapExactIn(big.NewInt(1), big.NewInt(1), []common.Address{usdc, usdt}, router, 100)
	if err != nil {
		t.Fatalf("pack swap: %v", err)
	}
	if MethodName(swap) != "swapExactTokensForTokens" {
		t.Fatalf("method = %s", MethodName(swap))
	}
	if MethodName([]byte{1}) != "unknown" {
		t.Fatal("short data should be unknown")
	}
}
