package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/fixed"
)

// Spec describes a market handed over by the external factory.
// Child specs only need Address, Parent and Tags.Child; the rest is taken from the parent.
type Spec struct {
	Address   common.Address
	Parent    common.Address
	Kind      Kind
	Tags      Tags
	Positions int
	Line      decimal.Decimal
	Asset     string
	Maturity  time.Time

	// InitialOdds seeds OddsOnCancellation; when empty every position gets 1/n.
	InitialOdds []decimal.Decimal
}

// Registry owns every market record. Records live in an arena and are addressed by index.
type Registry struct {
	mu       sync.RWMutex
	markets  []Market
	index    map[common.Address]int
	children map[common.Address][]int
	now      func() time.Time
}

// NewRegistry creates an empty registry. A nil clock defaults to time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		index:    make(map[common.Address]int),
		children: make(map[common.Address][]int),
		now:      now,
	}
}

// Register adds a market. Child markets inherit maturity, kind, sport and asset from
// their parent, which must already be registered.
func (r *Registry) Register(spec Spec) (Market, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec.Address == (common.Address{}) {
		return Market{}, fmt.Errorf("%w: market address is empty", domain.ErrValidation)
	}
	if _, ok := r.index[spec.Address]; ok {
		return Market{}, fmt.Errorf("%w: market %s already registered", domain.ErrValidation, spec.Address.Hex())
	}

	if spec.Parent != (common.Address{}) {
		pi, ok := r.index[spec.Parent]
		if !ok {
			return Market{}, fmt.Errorf("%w: parent %s", domain.ErrNotFound, spec.Parent.Hex())
		}
		parent := r.markets[pi]
		if parent.IsChild() {
			return Market{}, fmt.Errorf("%w: parent %s is itself a child market", domain.ErrValidation, spec.Parent.Hex())
		}
		if !spec.Tags.IsChild() {
			return Market{}, fmt.Errorf("%w: child market needs a child tag", domain.ErrValidation)
		}
		spec.Kind = parent.Kind
		spec.Tags.Sport = parent.Tags.Sport
		spec.Maturity = parent.Maturity
		spec.Asset = parent.Asset
	}

	if spec.Positions == 0 {
		spec.Positions = 2
	}
	if spec.Positions < 2 || spec.Positions > 3 {
		return Market{}, fmt.Errorf("%w: markets have 2 or 3 positions, got %d", domain.ErrValidation, spec.Positions)
	}
	if spec.Kind == KindPositional {
		if spec.Positions != 2 {
			return Market{}, fmt.Errorf("%w: positional markets are two-sided", domain.ErrValidation)
		}
		if spec.Asset == "" || spec.Line.Sign() <= 0 {
			return Market{}, fmt.Errorf("%w: positional markets need an asset and a positive strike", domain.ErrValidation)
		}
	}
	if spec.Maturity.IsZero() {
		return Market{}, fmt.Errorf("%w: market maturity is required", domain.ErrValidation)
	}

	cancelOdds, err := cancellationOdds(spec.InitialOdds, spec.Positions)
	if err != nil {
		return Market{}, err
	}

	m := Market{
		Address:            spec.Address,
		Parent:             spec.Parent,
		Kind:               spec.Kind,
		Tags:               spec.Tags,
		Line:               spec.Line,
		Asset:              spec.Asset,
		Maturity:           spec.Maturity,
		Status:             StatusOpen,
		Sold:               make([]decimal.Decimal, spec.Positions),
		OddsOnCancellation: cancelOdds,
		CreatedAt:          r.now(),
	}
	for i := range m.Sold {
		m.Sold[i] = fixed.Zero
	}

	r.markets = append(r.markets, m)
	idx := len(r.markets) - 1
	r.index[m.Address] = idx
	if m.IsChild() {
		r.children[m.Parent] = append(r.children[m.Parent], idx)
	}
	return m.clone(), nil
}

func cancellationOdds(initial []decimal.Decimal, n int) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, n)
	if len(initial) == 0 {
		share := fixed.Div(fixed.One, decimal.NewFromInt(int64(n)))
		for i := range out {
			out[i] = share
		}
		return out, nil
	}
	if len(initial) != n {
		return nil, fmt.Errorf("%w: %d initial odds for %d positions", domain.ErrValidation, len(initial), n)
	}
	total := fixed.Zero
	for _, o := range initial {
		if o.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative initial odds", domain.ErrValidation)
		}
		total = total.Add(o)
	}
	if total.IsZero() {
		return nil, fmt.Errorf("%w: initial odds sum to zero", domain.ErrValidation)
	}
	for i, o := range initial {
		out[i] = fixed.Div(o, total)
	}
	return out, nil
}

// Get returns a snapshot of the market.
func (r *Registry) Get(addr common.Address) (Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[addr]
	if !ok {
		return Market{}, fmt.Errorf("%w: market %s", domain.ErrNotFound, addr.Hex())
	}
	return r.markets[i].clone(), nil
}

// Children returns snapshots of every child registered under parent.
func (r *Registry) Children(parent common.Address) []Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Market, 0, len(r.children[parent]))
	for _, i := range r.children[parent] {
		out = append(out, r.markets[i].clone())
	}
	return out
}

// All returns snapshots of every market in registration order.
func (r *Registry) All() []Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Market, len(r.markets))
	for i := range r.markets {
		out[i] = r.markets[i].clone()
	}
	return out
}

// Len returns the number of registered markets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}

// IsFinal reports whether the market is resolved or cancelled. Unknown markets are not final.
func (r *Registry) IsFinal(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[addr]
	return ok && r.markets[i].Status.Final()
}

// ApplyTrade moves the sold inventory of one position by delta.
func (r *Registry) ApplyTrade(addr common.Address, p Position, delta decimal.Decimal) (Market, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.lookup(addr)
	if err != nil {
		return Market{}, err
	}
	if m.Status.Final() {
		return Market{}, fmt.Errorf("%w: market %s is %s", domain.ErrState, addr.Hex(), m.Status)
	}
	if err := m.ValidPosition(p); err != nil {
		return Market{}, err
	}
	next := m.Sold[p].Add(delta)
	if next.Sign() < 0 {
		return Market{}, fmt.Errorf("%w: inventory of position %d would go negative", domain.ErrValidation, p)
	}
	m.Sold[p] = next
	return m.clone(), nil
}

// Resolve records the winning position. Before maturity it requires a manual override.
func (r *Registry) Resolve(addr common.Address, outcome Position, manual bool) (Market, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.lookup(addr)
	if err != nil {
		return Market{}, err
	}
	if m.Status.Final() {
		return Market{}, fmt.Errorf("%w: market %s is already %s", domain.ErrState, addr.Hex(), m.Status)
	}
	if err := m.ValidPosition(outcome); err != nil {
		return Market{}, err
	}
	now := r.now()
	if now.Before(m.Maturity) && !manual {
		return Market{}, fmt.Errorf("%w: market %s matures at %s", domain.ErrState, addr.Hex(), m.Maturity.Format(time.RFC3339))
	}
	m.Status = StatusResolved
	m.Outcome = outcome
	m.ResolvedAt = now
	return m.clone(), nil
}

// Cancel voids the market; every position redeems at its odds on cancellation.
func (r *Registry) Cancel(addr common.Address) (Market, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.lookup(addr)
	if err != nil {
		return Market{}, err
	}
	if m.Status.Final() {
		return Market{}, fmt.Errorf("%w: market %s is already %s", domain.ErrState, addr.Hex(), m.Status)
	}
	m.Status = StatusCancelled
	m.ResolvedAt = r.now()
	return m.clone(), nil
}

// SetPaused pauses or resumes trading on a market.
func (r *Registry) SetPaused(addr common.Address, paused bool) (Market, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.lookup(addr)
	if err != nil {
		return Market{}, err
	}
	if m.Status.Final() {
		return Market{}, fmt.Errorf("%w: market %s is %s", domain.ErrState, addr.Hex(), m.Status)
	}
	if paused {
		m.Status = StatusPaused
	} else {
		m.Status = StatusOpen
	}
	return m.clone(), nil
}

func (r *Registry) lookup(addr common.Address) (*Market, error) {
	i, ok := r.index[addr]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", domain.ErrNotFound, addr.Hex())
	}
	return &r.markets[i], nil
}
