// Package entity resolves company mentions in user queries against the
// supported ticker set. Resolution is deterministic string matching, not a
// model call: the planner validates model-proposed tickers against this
// registry, and queries about recognizably-corporate names outside the set
// are rejected up front instead of being answered from general knowledge.
package entity

import (
	"regexp"
	"sort"
	"strings"

	"github.com/happyahluwalia/filingagent/internal/types"
)

// Company is one supported ticker with the names it may be mentioned by.
// CIK is the SEC's numeric company identifier used to locate filings.
type Company struct {
	Ticker  types.EntityID
	Name    string
	CIK     string
	Aliases []string
}

// Registry holds the supported company set.
type Registry struct {
	companies    map[types.EntityID]Company
	nameToTicker map[string]types.EntityID
	namePattern  *regexp.Regexp
}

// corporate suffixes that mark a token sequence as a company mention even
// when the name itself is unknown to us
var suffixPattern = regexp.MustCompile(`(?i)\b(inc|corp|corporation|ltd|llc|co|group|holdings|sa|plc|ag)\b\.?`)

// tickerPattern matches bare uppercase tokens typed as tickers.
var tickerPattern = regexp.MustCompile(`\b[A-Z]{2,5}\b`)

// all-caps English words that would otherwise look like tickers
var capsStopwords = map[string]bool{
	"AND": true, "ARE": true, "THE": true, "FOR": true, "WAS": true,
	"HOW": true, "WHAT": true, "SEC": true, "CEO": true, "CFO": true,
	"USD": true, "GAAP": true, "VS": true, "YOY": true, "EPS": true,
}

// DefaultCompanies is the built-in supported set.
func DefaultCompanies() []Company {
	return []Company{
		{Ticker: "AAPL", Name: "Apple", CIK: "320193", Aliases: []string{"Apple Inc"}},
		{Ticker: "MSFT", Name: "Microsoft", CIK: "789019", Aliases: []string{"Microsoft Corporation"}},
		{Ticker: "GOOGL", Name: "Alphabet", CIK: "1652044", Aliases: []string{"Google"}},
		{Ticker: "AMZN", Name: "Amazon", CIK: "1018724", Aliases: []string{"Amazon.com"}},
		{Ticker: "META", Name: "Meta", CIK: "1326801", Aliases: []string{"Meta Platforms", "Facebook"}},
		{Ticker: "NVDA", Name: "Nvidia", CIK: "1045810", Aliases: []string{"NVIDIA Corporation"}},
		{Ticker: "TSLA", Name: "Tesla", CIK: "1318605", Aliases: []string{"Tesla Motors"}},
		{Ticker: "JPM", Name: "JPMorgan", CIK: "19617", Aliases: []string{"JPMorgan Chase", "JP Morgan"}},
	}
}

// NewRegistry builds a registry from the given companies. Name matching is
// case-insensitive and prefers longer names so "Meta Platforms" wins over
// "Meta".
func NewRegistry(companies []Company) *Registry {
	r := &Registry{
		companies:    make(map[types.EntityID]Company, len(companies)),
		nameToTicker: make(map[string]types.EntityID),
	}
	var names []string
	for _, c := range companies {
		r.companies[c.Ticker] = c
		for _, name := range append([]string{c.Name}, c.Aliases...) {
			key := strings.ToLower(name)
			r.nameToTicker[key] = c.Ticker
			names = append(names, regexp.QuoteMeta(name))
		}
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	r.namePattern = regexp.MustCompile(`(?i)\b(` + strings.Join(names, "|") + `)\b`)
	return r
}

// Supported reports whether ticker is in the registry.
func (r *Registry) Supported(ticker types.EntityID) bool {
	_, ok := r.companies[types.EntityID(strings.ToUpper(string(ticker)))]
	return ok
}

// Company returns the registry entry for ticker.
func (r *Registry) Company(ticker types.EntityID) (Company, bool) {
	c, ok := r.companies[types.EntityID(strings.ToUpper(string(ticker)))]
	return c, ok
}

// All returns the supported companies sorted by ticker.
func (r *Registry) All() []Company {
	out := make([]Company, 0, len(r.companies))
	for _, c := range r.companies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// Detect resolves the companies a query mentions, in mention order.
//
// It returns an empty slice for general queries that mention no company at
// all, and *types.UnsupportedEntityError when the query clearly concerns a
// company we do not cover (a corporate-suffixed name that matched nothing
// in the registry).
func (r *Registry) Detect(query string) ([]types.EntityID, error) {
	var found []types.EntityID
	seen := make(map[types.EntityID]bool)

	for _, m := range r.namePattern.FindAllString(query, -1) {
		if t, ok := r.nameToTicker[strings.ToLower(m)]; ok && !seen[t] {
			seen[t] = true
			found = append(found, t)
		}
	}

	// Bare tickers typed directly ("compare AAPL and MSFT")
	for _, word := range strings.FieldsFunc(query, func(c rune) bool {
		return c == ' ' || c == ',' || c == '?' || c == '.' || c == '!'
	}) {
		t := types.EntityID(strings.ToUpper(word))
		if _, ok := r.companies[t]; ok && !seen[t] {
			seen[t] = true
			found = append(found, t)
		}
	}

	if len(found) > 0 {
		return found, nil
	}

	// No supported company matched. A ticker-shaped token or a
	// corporate-suffixed name means the query is about a company we do
	// not cover, which must be reported rather than freely answered.
	var unknown []string
	for _, m := range tickerPattern.FindAllString(query, -1) {
		if !capsStopwords[m] {
			if _, ok := r.companies[types.EntityID(m)]; !ok {
				unknown = append(unknown, m)
			}
		}
	}
	if len(unknown) > 0 {
		return nil, &types.UnsupportedEntityError{Names: unknown}
	}
	if m := suffixPattern.FindString(query); m != "" {
		return nil, &types.UnsupportedEntityError{Names: []string{strings.TrimSpace(m)}}
	}
	return nil, nil
}
