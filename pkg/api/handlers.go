package api

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/domain"
	"github.com/phenomenon0/sportsamm/pkg/market"
)

const defaultTradeLimit = 100

// PositionView is one side of a market.
type PositionView struct {
	Position int             `json:"position"`
	Name     string          `json:"name"`
	Sold     decimal.Decimal `json:"sold"`
}

// MarketView is a market record with readable names.
type MarketView struct {
	market.Market
	KindName   string         `json:"kind_name"`
	StatusName string         `json:"status_name"`
	Sides      []PositionView `json:"sides"`
	Children   int            `json:"children"`
}

// Availability is the remaining capacity on one side of a market.
type Availability struct {
	Position string          `json:"position"`
	Buy      decimal.Decimal `json:"buy"`
	Sell     decimal.Decimal `json:"sell"`
}

func (s *Server) view(m market.Market) MarketView {
	v := MarketView{
		Market:     m,
		KindName:   m.Kind.String(),
		StatusName: m.Status.String(),
		Sides:      make([]PositionView, m.Positions()),
		Children:   len(s.amm.Registry().Children(m.Address)),
	}
	for i, sold := range m.Sold {
		v.Sides[i] = PositionView{Position: i, Name: market.Position(i).Name(m.Kind), Sold: sold}
	}
	return v
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	st := s.amm.Pool().Status()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"markets":       s.amm.Registry().Len(),
		"pool_started":  st.Started,
		"current_round": st.CurrentRound,
	})
}

// listMarkets supports ?status=open|paused|resolved|cancelled and ?kind=.
func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	status := strings.ToLower(r.URL.Query().Get("status"))
	kind := r.URL.Query().Get("kind")
	var want market.Kind
	if kind != "" {
		k, err := market.ParseKind(kind)
		if err != nil {
			respondError(w, err)
			return
		}
		want = k
	}

	all := s.amm.Registry().All()
	out := make([]MarketView, 0, len(all))
	for _, m := range all {
		if status != "" && m.Status.String() != status {
			continue
		}
		if kind != "" && m.Kind != want {
			continue
		}
		out = append(out, s.view(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Maturity.Before(out[j].Maturity) })
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.view(m))
}

func (s *Server) getChildren(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	children := s.amm.Registry().Children(m.Address)
	out := make([]MarketView, len(children))
	for i, c := range children {
		out[i] = s.view(c)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) getQuote(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	p, err := parsePosition(q.Get("position"), m.Kind)
	if err != nil {
		respondError(w, err)
		return
	}
	side := domain.SideBuy
	switch strings.ToLower(q.Get("side")) {
	case "", "buy":
	case "sell":
		side = domain.SideSell
	default:
		respondError(w, fmt.Errorf("%w: side must be buy or sell", domain.ErrValidation))
		return
	}
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		respondError(w, fmt.Errorf("%w: amount: %v", domain.ErrValidation, err))
		return
	}

	quote, err := s.amm.Quote(r.Context(), m.Address, p, side, amount)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, quote)
}

func (s *Server) getAvailable(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	p, err := parsePosition(r.URL.Query().Get("position"), m.Kind)
	if err != nil {
		respondError(w, err)
		return
	}
	buy, err := s.amm.AvailableToBuy(r.Context(), m.Address, p)
	if err != nil {
		respondError(w, err)
		return
	}
	sell, err := s.amm.AvailableToSell(r.Context(), m.Address, p)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, Availability{Position: p.Name(m.Kind), Buy: buy, Sell: sell})
}

func (s *Server) getTrades(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: errNoJournal.Error(), Class: "unavailable"})
		return
	}
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	limit := defaultTradeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrValidation))
			return
		}
		limit = n
	}
	trades, err := s.journal.TradesByMarket(r.Context(), addr, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if trades == nil {
		trades = []domain.TradeEvent{}
	}
	respondJSON(w, http.StatusOK, trades)
}

// getParlay serves a live ticket from the book, falling back to the journal for
// tickets from before a restart.
func (s *Server) getParlay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.amm.Book().Get(id)
	if err == nil {
		respondJSON(w, http.StatusOK, p)
		return
	}
	if s.journal == nil {
		respondError(w, err)
		return
	}
	ev, jerr := s.journal.Parlay(r.Context(), id)
	if jerr != nil {
		respondError(w, jerr)
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (s *Server) getPool(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.amm.Pool().Status())
}

func (s *Server) getRound(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "round"))
	if err != nil || n < 0 {
		respondError(w, fmt.Errorf("%w: round must be a non-negative integer", domain.ErrValidation))
		return
	}
	info, err := s.amm.Pool().Round(n)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: errNoJournal.Error(), Class: "unavailable"})
		return
	}
	rounds, err := s.journal.Rounds(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if rounds == nil {
		rounds = []domain.RoundEvent{}
	}
	respondJSON(w, http.StatusOK, rounds)
}

func (s *Server) market(w http.ResponseWriter, r *http.Request) (market.Market, bool) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return market.Market{}, false
	}
	m, err := s.amm.Registry().Get(addr)
	if err != nil {
		respondError(w, err)
		return market.Market{}, false
	}
	return m, true
}

func pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		respondError(w, fmt.Errorf("%w: invalid market address %q", domain.ErrValidation, raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// parsePosition accepts an index or a side name.
func parsePosition(raw string, kind market.Kind) (market.Position, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return 0, fmt.Errorf("%w: position is required", domain.ErrValidation)
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return market.Position(n), nil
	}
	for p := market.Position(0); p <= market.Draw; p++ {
		if p.Name(kind) == raw {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown position %q", domain.ErrValidation, raw)
}
