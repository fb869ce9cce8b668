package market

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/phenomenon0/sportsamm/pkg/domain"
)

// SportTag identifies a league or sport (NBA, EPL, ...).
type SportTag uint32

// ChildTag identifies a derived line on a game. ChildMain is the game itself.
type ChildTag uint32

const (
	SportNCAAFootball   SportTag = 9001
	SportNFL            SportTag = 9002
	SportMLB            SportTag = 9003
	SportNBA            SportTag = 9004
	SportNCAABasketball SportTag = 9005
	SportNHL            SportTag = 9006
	SportUFC            SportTag = 9007
	SportWNBA           SportTag = 9008
	SportMLS            SportTag = 9010
	SportEPL            SportTag = 9011
	SportLigue1         SportTag = 9012
	SportBundesliga     SportTag = 9013
	SportLaLiga         SportTag = 9014
	SportSerieA         SportTag = 9015
	SportUCL            SportTag = 9016
	SportTennis         SportTag = 9153

	// Positional (Up/Down) markets on financial underlyings.
	SportCrypto SportTag = 9999
)

const (
	ChildMain         ChildTag = 0
	ChildSpread       ChildTag = 10001
	ChildTotal        ChildTag = 10002
	ChildDoubleChance ChildTag = 10003
	ChildPlayerProps  ChildTag = 10010
)

// Tags is the two-tier (sport, child) categorization used by cap and fee lookups.
type Tags struct {
	Sport SportTag `json:"sport"`
	Child ChildTag `json:"child"`
}

// IsChild reports whether the tags describe a derived line.
func (t Tags) IsChild() bool { return t.Child != ChildMain }

func (t Tags) String() string {
	if t.Child == ChildMain {
		return strconv.FormatUint(uint64(t.Sport), 10)
	}
	return fmt.Sprintf("%d/%d", t.Sport, t.Child)
}

// TagRegistry resolves config keys into tags. Keys may be numeric or human names;
// names are folded (case, accents, punctuation) before lookup.
type TagRegistry struct {
	mu         sync.RWMutex
	sports     map[string]SportTag
	children   map[string]ChildTag
	sportNames map[SportTag]string
}

// NewTagRegistry returns a registry seeded with the built-in sports and child lines.
func NewTagRegistry() *TagRegistry {
	r := &TagRegistry{
		sports:     make(map[string]SportTag),
		children:   make(map[string]ChildTag),
		sportNames: make(map[SportTag]string),
	}
	r.RegisterSport(SportNCAAFootball, "NCAA Football", "ncaaf")
	r.RegisterSport(SportNFL, "NFL")
	r.RegisterSport(SportMLB, "MLB")
	r.RegisterSport(SportNBA, "NBA")
	r.RegisterSport(SportNCAABasketball, "NCAA Basketball", "ncaab")
	r.RegisterSport(SportNHL, "NHL")
	r.RegisterSport(SportUFC, "UFC", "mma")
	r.RegisterSport(SportWNBA, "WNBA")
	r.RegisterSport(SportMLS, "MLS")
	r.RegisterSport(SportEPL, "Premier League", "EPL")
	r.RegisterSport(SportLigue1, "Ligue 1")
	r.RegisterSport(SportBundesliga, "Bundesliga")
	r.RegisterSport(SportLaLiga, "La Liga")
	r.RegisterSport(SportSerieA, "Serie A")
	r.RegisterSport(SportUCL, "Champions League", "UCL")
	r.RegisterSport(SportTennis, "Tennis")
	r.RegisterSport(SportCrypto, "Crypto", "positional")

	r.RegisterChild(ChildMain, "main", "moneyline")
	r.RegisterChild(ChildSpread, "spread", "handicap")
	r.RegisterChild(ChildTotal, "total", "over/under")
	r.RegisterChild(ChildDoubleChance, "double chance")
	r.RegisterChild(ChildPlayerProps, "player props")
	return r
}

// RegisterSport adds a sport tag under one or more names. The first name is canonical.
func (r *TagRegistry) RegisterSport(tag SportTag, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, name := range names {
		if i == 0 {
			r.sportNames[tag] = name
		}
		r.sports[normalizeName(name)] = tag
	}
}

// RegisterChild adds a child tag under one or more names.
func (r *TagRegistry) RegisterChild(tag ChildTag, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.children[normalizeName(name)] = tag
	}
}

// ResolveSport maps "9004", "NBA" or "nba" to SportNBA.
func (r *TagRegistry) ResolveSport(key string) (SportTag, error) {
	if n, err := strconv.ParseUint(strings.TrimSpace(key), 10, 32); err == nil {
		return SportTag(n), nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tag, ok := r.sports[normalizeName(key)]
	if !ok {
		return 0, fmt.Errorf("%w: unknown sport %q", domain.ErrValidation, key)
	}
	return tag, nil
}

// ResolveChild maps "10002" or "Total" to ChildTotal.
func (r *TagRegistry) ResolveChild(key string) (ChildTag, error) {
	if n, err := strconv.ParseUint(strings.TrimSpace(key), 10, 32); err == nil {
		return ChildTag(n), nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tag, ok := r.children[normalizeName(key)]
	if !ok {
		return 0, fmt.Errorf("%w: unknown child line %q", domain.ErrValidation, key)
	}
	return tag, nil
}

// ResolveTags parses "sport" or "sport/child" keys.
func (r *TagRegistry) ResolveTags(key string) (Tags, error) {
	sport, child, found := strings.Cut(key, "/")
	s, err := r.ResolveSport(sport)
	if err != nil {
		return Tags{}, err
	}
	if !found {
		return Tags{Sport: s}, nil
	}
	c, err := r.ResolveChild(child)
	if err != nil {
		return Tags{}, err
	}
	return Tags{Sport: s, Child: c}, nil
}

// SportName returns the canonical name of a tag, or its number when unknown.
func (r *TagRegistry) SportName(tag SportTag) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.sportNames[tag]; ok {
		return name
	}
	return strconv.FormatUint(uint64(tag), 10)
}

// Sports lists the known sport tags in ascending order.
func (r *TagRegistry) Sports() []SportTag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]SportTag, 0, len(r.sportNames))
	for tag := range r.sportNames {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

func normalizeName(name string) string {
	name = strings.ToLower(name)

	// Remove accents
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	name, _, _ = transform.String(t, name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, name)
	return strings.Join(strings.Fields(name), " ")
}
