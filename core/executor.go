package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"loanledger/core/events"
	"loanledger/crypto"
	"loanledger/native/bank"
	"loanledger/native/collateral"
	nativecommon "loanledger/native/common"
	"loanledger/observability"
	"loanledger/observability/metrics"
	"loanledger/storage"
)

var (
	// ErrUnknownMsg is returned for message types the executor cannot route.
	ErrUnknownMsg = errors.New("core: unknown message")
	// ErrGenesisApplied is returned when genesis allocations are applied to a
	// store that already holds executor state.
	ErrGenesisApplied = errors.New("core: genesis already applied")
)

var metaKey = []byte("executor/meta")

// Recorder receives the outcome of every message the executor runs. Calls are
// made while the executor lock is held, so they arrive in execution order.
type Recorder interface {
	RecordCommit(ctx context.Context, msg Msg, res *collateral.Result)
	RecordReject(ctx context.Context, msg Msg, err error)
}

type executorMeta struct {
	Height uint64
	Time   uint64
}

// Executor serializes ledger operations, supplies their block context and
// applies the resulting transfer effects. Engine state, balances and the
// executor height are persisted in a single batch per operation; when any
// step fails nothing is persisted and the engine is rolled back.
type Executor struct {
	mu sync.Mutex

	db     storage.Database
	engine *collateral.Engine
	store  *collateral.Store
	bank   *bank.Bank

	emitter  events.Emitter
	recorder Recorder
	stream   *EventStream
	clock    func() time.Time
	logger   *slog.Logger

	height   uint64
	lastTime uint64

	quota nativecommon.Quota
	usage map[string]nativecommon.QuotaNow
}

// NewExecutor loads persisted state from db and returns an executor whose
// collateral custody account is custody.
func NewExecutor(db storage.Database, custody crypto.Address) (*Executor, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database required")
	}
	store := collateral.NewStore(db)
	cfg, ledger, err := store.Load()
	if err != nil {
		return nil, err
	}
	b := bank.New(db)
	engine := collateral.NewEngine(custody)
	engine.Load(cfg, ledger)
	engine.SetBalanceQuery(b)

	exec := &Executor{
		db:      db,
		engine:  engine,
		store:   store,
		bank:    b,
		emitter: events.NoopEmitter{},
		stream:  NewEventStream(),
		clock:   time.Now,
		logger:  slog.Default(),
		usage:   make(map[string]nativecommon.QuotaNow),
	}
	raw, err := db.Get(metaKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load executor meta: %w", err)
	default:
		var meta executorMeta
		if err := rlp.DecodeBytes(raw, &meta); err != nil {
			return nil, fmt.Errorf("decode executor meta: %w", err)
		}
		exec.height = meta.Height
		exec.lastTime = meta.Time
	}
	metrics.Collateral().SetActiveRecords(ledger.Len())
	return exec, nil
}

// SetEmitter configures an additional destination for committed events. The
// built-in EventStream always receives them.
func (x *Executor) SetEmitter(emitter events.Emitter) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	x.emitter = emitter
}

// SetClock overrides the wall clock used to stamp operations.
func (x *Executor) SetClock(clock func() time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if clock == nil {
		clock = time.Now
	}
	x.clock = clock
}

// AlignedClock returns a wall clock truncated to multiples of interval, so
// operations submitted within one block interval share a block time.
func AlignedClock(interval time.Duration) func() time.Time {
	if interval <= time.Second {
		return time.Now
	}
	return func() time.Time { return time.Now().Truncate(interval) }
}

// SetRecorder installs r as the outcome recorder. Passing nil disables it.
func (x *Executor) SetRecorder(r Recorder) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.recorder = r
}

// SetLogger overrides the logger used for operation outcomes. Passing nil
// restores slog.Default.
func (x *Executor) SetLogger(logger *slog.Logger) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	x.logger = logger
}

// SetPauses wires the operator pause switches into the engine.
func (x *Executor) SetPauses(p nativecommon.PauseView) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.engine.SetPauses(p)
}

// SetQuota configures the per-sender operation quota.
func (x *Executor) SetQuota(q nativecommon.Quota) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.quota = q
	x.usage = make(map[string]nativecommon.QuotaNow)
}

// Stream returns the event stream fed by committed operations.
func (x *Executor) Stream() *EventStream { return x.stream }

// Custody returns the collateral custody address.
func (x *Executor) Custody() crypto.Address { return x.engine.Custody() }

// Height returns the height of the last executed operation.
func (x *Executor) Height() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.height
}

// GenesisBalance funds an account before the first operation.
type GenesisBalance struct {
	Address crypto.Address
	Denom   string
	Amount  *big.Int
}

// ApplyGenesis credits the supplied balances. It only succeeds on a fresh
// store.
func (x *Executor) ApplyGenesis(allocs []GenesisBalance) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.height != 0 {
		return ErrGenesisApplied
	}
	if ok, err := x.db.Has(metaKey); err != nil {
		return err
	} else if ok {
		return ErrGenesisApplied
	}
	for _, alloc := range allocs {
		if err := x.bank.Mint(alloc.Address, alloc.Denom, alloc.Amount); err != nil {
			x.bank.Discard()
			return fmt.Errorf("genesis %s %s: %w", alloc.Address, alloc.Denom, err)
		}
	}
	batch := x.db.NewBatch()
	if err := x.bank.Commit(batch); err != nil {
		return err
	}
	if err := putMeta(batch, executorMeta{Height: x.height, Time: x.lastTime}); err != nil {
		return err
	}
	return batch.Write()
}

func putMeta(batch storage.Batch, meta executorMeta) error {
	encoded, err := rlp.EncodeToBytes(meta)
	if err != nil {
		return fmt.Errorf("encode executor meta: %w", err)
	}
	batch.Put(metaKey, encoded)
	return nil
}

// nextEnv advances the height by one and stamps the operation with the clock,
// clamped so time never runs backwards.
func (x *Executor) nextEnv() collateral.Env {
	now := x.clock().Unix()
	ts := x.lastTime
	if now > 0 && uint64(now) > ts {
		ts = uint64(now)
	}
	return collateral.Env{Height: x.height + 1, Time: ts}
}

func (x *Executor) checkQuota(env collateral.Env, msg Msg) (nativecommon.QuotaNow, error) {
	if !x.quota.Enabled() {
		return nativecommon.QuotaNow{}, nil
	}
	key := string(msg.Signer().Bytes())
	deposits := uint64(0)
	if _, ok := msg.(DepositCollateralMsg); ok {
		deposits = 1
	}
	return nativecommon.CheckQuota(x.quota, x.quota.EpochAt(env.Time), x.usage[key], 1, deposits)
}

// Execute runs msg against the engine and commits its effects. The returned
// result is the engine result of the committed operation.
func (x *Executor) Execute(ctx context.Context, msg Msg) (*collateral.Result, error) {
	if msg == nil {
		return nil, ErrUnknownMsg
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	res, env, err := x.execute(msg)
	metrics.Collateral().ObserveOperation(msg.Method(), err)
	if err != nil {
		x.logger.Warn("collateral operation rejected",
			slog.String("method", msg.Method()),
			slog.String("sender", msg.Signer().String()),
			slog.Any("error", err))
		if x.recorder != nil {
			x.recorder.RecordReject(ctx, msg, err)
		}
		return nil, err
	}

	x.height = env.Height
	x.lastTime = env.Time
	x.observe(res)
	x.stream.SetHeight(env.Height)
	for _, evt := range res.Events {
		wrapped := collateral.WrapEvent(evt)
		x.stream.Emit(wrapped)
		x.emitter.Emit(wrapped)
	}
	x.logger.Info("collateral operation committed",
		slog.String("method", res.Method),
		slog.String("collateral_id", res.CollateralID),
		slog.String("status", res.Status),
		slog.Uint64("height", env.Height))
	if x.recorder != nil {
		x.recorder.RecordCommit(ctx, msg, res)
	}
	return res, nil
}

func (x *Executor) execute(msg Msg) (*collateral.Result, collateral.Env, error) {
	env := x.nextEnv()
	usage, err := x.checkQuota(env, msg)
	if err != nil {
		return nil, env, err
	}

	snapshot := x.engine.Snapshot()
	prevLedger := x.engine.Ledger()

	res, err := x.dispatch(env, msg)
	if err != nil {
		return nil, env, err
	}

	rollback := func(cause error) (*collateral.Result, collateral.Env, error) {
		x.engine.Revert(snapshot)
		x.bank.Discard()
		return nil, env, cause
	}
	for _, effect := range res.Effects {
		if err := x.bank.Execute(effect); err != nil {
			return rollback(fmt.Errorf("%w: %v", collateral.ErrTransferFailed, err))
		}
	}

	batch := x.db.NewBatch()
	if err := x.store.StageDiff(batch, x.engine.Config(), prevLedger, x.engine.Ledger()); err != nil {
		return rollback(err)
	}
	if err := x.bank.Commit(batch); err != nil {
		return rollback(err)
	}
	if err := putMeta(batch, executorMeta{Height: env.Height, Time: env.Time}); err != nil {
		return rollback(err)
	}
	if err := batch.Write(); err != nil {
		return rollback(fmt.Errorf("persist operation: %w", err))
	}
	if x.quota.Enabled() {
		x.usage[string(msg.Signer().Bytes())] = usage
	}
	return res, env, nil
}

func (x *Executor) dispatch(env collateral.Env, msg Msg) (*collateral.Result, error) {
	switch m := msg.(type) {
	case InstantiateMsg:
		return x.engine.Instantiate(env, m.Sender, m.Name, m.Symbol, m.TaxRateBps)
	case DepositCollateralMsg:
		return x.engine.DepositCollateral(env, m.Sender, m.Funds, m.Token, m.Amount, m.Valuation)
	case AdjustValuationMsg:
		return x.engine.AdjustValuation(env, m.Sender, m.Valuation)
	case PayTaxMsg:
		return x.engine.PayTax(env, m.Sender)
	case LiquidateCollateralMsg:
		return x.engine.LiquidateCollateral(env, m.Sender, m.CollateralID)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMsg, msg)
	}
}

func (x *Executor) observe(res *collateral.Result) {
	m := metrics.Collateral()
	m.SetHeight(x.height)
	m.SetActiveRecords(x.engine.Ledger().Len())
	switch res.Method {
	case collateral.MethodPayTax:
		if res.TaxDue != nil && len(res.Effects) > 0 {
			m.AddTaxCollected(res.Effects[0].Denom, observability.BigToFloat(res.TaxDue))
		}
	case collateral.MethodLiquidateCollateral:
		m.ObserveLiquidation(res.Status)
	}
	for _, effect := range res.Effects {
		observability.Events().RecordTransfer(effect.Route.String(), effect.Denom, effect.Amount)
	}
}

// Collateral returns the record stored under id.
func (x *Executor) Collateral(id string) (*collateral.Record, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.engine.Collateral(id)
}

// CollateralsByBorrower returns the borrower's records in deposit order.
func (x *Executor) CollateralsByBorrower(borrower crypto.Address) []*collateral.Record {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.engine.Ledger().ByBorrower(borrower)
}

// Collaterals returns every active record in deposit order.
func (x *Executor) Collaterals() []*collateral.Record {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.engine.Ledger().Records()
}

// Config returns the ledger configuration, or nil before instantiation.
func (x *Executor) Config() *collateral.Config {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.engine.Config()
}

// TaxOwed previews the tax the record would owe if settled now.
func (x *Executor) TaxOwed(id string) (*big.Int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.engine.TaxOwed(id, x.nextEnv().Time)
}

// Balance returns the committed balance of holder in denom.
func (x *Executor) Balance(holder crypto.Address, denom string) (*big.Int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.bank.Balance(holder, denom)
}
