package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"stablepay/internal/alerting"
	"stablepay/internal/chain"
	"stablepay/internal/ratecache"
	"stablepay/internal/signer"
)

var (
	walletAddr    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	recipientAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	collectorAddr = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	routerAddr    = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	gatewayAddr   = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	usdcAddr      = common.HexToAddress("0x0000000000000000000000000000000000000001")
	usdtAddr      = common.HexToAddress("0x0000000000000000000000000000000000000002")
	daiAddr       = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

type fakeSigner struct {
	mu sync.Mutex

	addr      common.Address
	balance   *big.Int
	allowance *big.Int
	approved  bool
	fixedTx   string

	calls    []signer.Call
	reads    int
	methods  map[string]string
	errs     map[string][]error
	onSubmit func(call signer.Call)

	// wait and receipt default to success and not found respectively.
	wait    func(txID, method string) (*signer.Receipt, error)
	receipt func(txID, method string) (*signer.Receipt, error)
}

func newFakeSigner() *fakeSigner {
	return &fakeSigner{
		addr:      walletAddr,
		balance:   big.NewInt(1_000_000_000),
		allowance: new(big.Int).Lsh(big.NewInt(1), 200),
		methods:   make(map[string]string),
		errs:      make(map[string][]error),
	}
}

func (f *fakeSigner) Address() common.Address { return f.addr }

func (f *fakeSigner) ReadBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeSigner) ReadAllowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.approved {
		return new(big.Int).Lsh(big.NewInt(1), 200), nil
	}
	return new(big.Int).Set(f.allowance), nil
}

func (f *fakeSigner) SubmitCall(_ context.Context, call signer.Call) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	hook := f.onSubmit
	var err error
	if queue := f.errs[call.Method]; len(queue) > 0 {
		err, f.errs[call.Method] = queue[0], queue[1:]
	}
	txID := f.fixedTx
	if txID == "" || primaryMethod(call.Method) == "" {
		txID = fmt.Sprintf("0x%064x", len(f.calls))
	}
	if err == nil {
		f.methods[txID] = call.Method
		if call.Method == "approve" {
			f.approved = true
		}
	}
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err != nil {
		return "", err
	}
	return txID, nil
}

// primaryMethod returns method unchanged when it is a primary call and "" otherwise.
func primaryMethod(method string) string {
	switch method {
	case "transfer", "swapExactTokensForTokens", "createOrder":
		return method
	}
	return ""
}

func (f *fakeSigner) methodOf(txID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.methods[txID]
}

func (f *fakeSigner) WaitForConfirmation(ctx context.Context, txID string, _ time.Duration) (*signer.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.wait != nil {
		return f.wait(txID, f.methodOf(txID))
	}
	return &signer.Receipt{TxID: txID, Success: true}, nil
}

func (f *fakeSigner) Receipt(_ context.Context, txID string) (*signer.Receipt, error) {
	if f.receipt != nil {
		return f.receipt(txID, f.methodOf(txID))
	}
	return nil, signer.ErrReceiptNotFound
}

func (f *fakeSigner) submitted(method string) []signer.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signer.Call
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

var _ signer.Signer = (*fakeSigner)(nil)

type fakeQuoter struct {
	mu    sync.Mutex
	out   *big.Int
	err   error
	calls int
}

func (q *fakeQuoter) QuoteExactIn(_ context.Context, from, to common.Address, amountIn *big.Int) (chain.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.err != nil {
		return chain.Quote{}, q.err
	}
	return chain.Quote{AmountIn: amountIn, AmountOut: new(big.Int).Set(q.out), Path: []common.Address{from, to}}, nil
}

func (q *fakeQuoter) Router() common.Address { return routerAddr }

type fakeRates struct {
	rate  decimal.Decimal
	err   error
	calls int
}

func (r *fakeRates) Fresh(_ context.Context, currency string) (ratecache.Entry, error) {
	r.calls++
	if r.err != nil {
		return ratecache.Entry{}, r.err
	}
	return ratecache.Entry{Currency: currency, Rate: r.rate, FetchedAt: time.Now()}, nil
}

type recordingSink struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (s *recordingSink) Emit(note alerting.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, note)
}

func (s *recordingSink) all() []alerting.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alerting.Notification(nil), s.notes...)
}
