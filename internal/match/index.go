package match

import (
	"slices"
	"sort"
	"strings"

	"github.com/entitylink/internal/model"
	"github.com/entitylink/internal/normalize"
)

// Entry is an entity as the index sees it.
type Entry struct {
	ABN          int64
	Name         string
	TradingNames []string
}

// EntryFromEntity copies the fields the index needs.
func EntryFromEntity(e model.Entity) Entry {
	return Entry{ABN: e.ABN, Name: e.EntityName, TradingNames: e.TradingNames}
}

// EntriesFromEntities converts a registry extract, folding repeated ABNs
// into their first position: the last name wins and trading names
// accumulate.
func EntriesFromEntities(entities []model.Entity) []Entry {
	pos := make(map[int64]int, len(entities))
	entries := make([]Entry, 0, len(entities))
	for _, e := range entities {
		i, ok := pos[e.ABN]
		if !ok {
			pos[e.ABN] = len(entries)
			entry := EntryFromEntity(e)
			entry.TradingNames = slices.Clone(entry.TradingNames)
			entries = append(entries, entry)
			continue
		}
		entries[i].Name = e.EntityName
		for _, tn := range e.TradingNames {
			if !slices.Contains(entries[i].TradingNames, tn) {
				entries[i].TradingNames = append(entries[i].TradingNames, tn)
			}
		}
	}
	return entries
}

// Ref points at the entity, and the form of its name, behind a candidate.
type Ref struct {
	Entry Entry
	Form  string
}

// Hit is the best candidate for a query. Refs lists every entity whose
// name normalizes to Candidate, in corpus order; Refs[0] is the one
// reported.
type Hit struct {
	Candidate string
	Score     float64
	Refs      []Ref
}

const (
	histSize = 37
	// seedPostingLimit skips tokens shared by too many candidates to be a
	// useful seed ("services", "group", ...).
	seedPostingLimit = 512
)

type ref struct {
	entry int32
	form  string
}

type candidate struct {
	key  string
	hist [histSize]uint16
	refs []ref
}

// Index answers best-match queries over a normalized entity corpus.
//
// Every entity contributes up to three kinds of candidate strings (its
// legal name, each trading name, and all of them concatenated), each
// reduced to sorted-token form. Candidates are bucketed by length; a query
// visits buckets nearest its own length first and stops once the length
// bound 200*min(m,n)/(m+n) drops below the best score found, and skips
// candidates whose character histogram bound does the same. Candidates
// sharing a query token are scored first to raise that bar early. The
// scoring itself stays the pairwise token-sort ratio.
//
// An Index is immutable after Build and safe for concurrent queries.
type Index struct {
	entries  []Entry
	cands    []candidate
	byKey    map[string]int
	lengths  []int
	buckets  map[int][]int
	postings map[string][]int
}

// Build normalizes the corpus with n and indexes it. Entity order is the
// tie-break order.
func Build(entries []Entry, n *normalize.Normalizer) *Index {
	ix := &Index{
		entries:  entries,
		byKey:    make(map[string]int),
		buckets:  make(map[int][]int),
		postings: make(map[string][]int),
	}

	for i, e := range entries {
		for _, r := range candidateForms(e, n) {
			ix.add(r.key, ref{entry: int32(i), form: r.form})
		}
	}

	for l := range ix.buckets {
		ix.lengths = append(ix.lengths, l)
	}
	sort.Ints(ix.lengths)
	return ix
}

type formKey struct {
	key  string
	form string
}

// candidateForms returns the distinct sorted-token keys for an entity:
// legal name, each trading name, then the space-joined concatenation of
// all of them. A key produced twice keeps its first form.
func candidateForms(e Entry, n *normalize.Normalizer) []formKey {
	legal := n.Name(e.Name)
	forms := make([]formKey, 0, len(e.TradingNames)+2)
	forms = append(forms, formKey{SortTokens(legal), model.MatchedOnLegal})

	combined := []string{legal}
	for _, tn := range e.TradingNames {
		norm := n.Name(tn)
		combined = append(combined, norm)
		forms = append(forms, formKey{SortTokens(norm), model.MatchedOnTrading})
	}
	forms = append(forms, formKey{SortTokens(strings.Join(combined, " ")), model.MatchedOnCombined})

	out := forms[:0]
	seen := make(map[string]struct{}, len(forms))
	for _, f := range forms {
		if f.key == "" {
			continue
		}
		if _, dup := seen[f.key]; dup {
			continue
		}
		seen[f.key] = struct{}{}
		out = append(out, f)
	}
	return out
}

func (ix *Index) add(key string, r ref) {
	if id, ok := ix.byKey[key]; ok {
		ix.cands[id].refs = append(ix.cands[id].refs, r)
		return
	}

	id := len(ix.cands)
	ix.cands = append(ix.cands, candidate{key: key, hist: histogram(key), refs: []ref{r}})
	ix.byKey[key] = id
	ix.buckets[len(key)] = append(ix.buckets[len(key)], id)

	tokens := strings.Fields(key)
	for i, tok := range tokens {
		if i > 0 && tokens[i-1] == tok {
			continue
		}
		ix.postings[tok] = append(ix.postings[tok], id)
	}
}

// Len returns the number of distinct candidate strings.
func (ix *Index) Len() int {
	return len(ix.cands)
}

// Entities returns the number of indexed entities.
func (ix *Index) Entities() int {
	return len(ix.entries)
}

// Best returns the highest-scoring candidate for a normalized query. ok is
// false when the query or the index is empty.
func (ix *Index) Best(query string) (Hit, bool) {
	return ix.BestAbove(query, 0)
}

// BestAbove is Best restricted to candidates that can score at least
// floor. When none can, ok is false and Hit.Score holds the best score
// among the candidates that were evaluated (0 if none were).
func (ix *Index) BestAbove(query string, floor float64) (Hit, bool) {
	q := SortTokens(query)
	if q == "" || len(ix.cands) == 0 {
		return Hit{}, false
	}
	if id, ok := ix.byKey[q]; ok {
		return ix.hit(id, 100), true
	}

	s := newSearch(ix, q, floor)
	s.seed()
	s.scan()

	if s.bestID < 0 {
		return Hit{Score: s.seen}, false
	}
	return ix.hit(s.bestID, s.best), true
}

func (ix *Index) hit(id int, score float64) Hit {
	c := ix.cands[id]
	refs := make([]Ref, len(c.refs))
	for i, r := range c.refs {
		refs[i] = Ref{Entry: ix.entries[r.entry], Form: r.form}
	}
	return Hit{Candidate: c.key, Score: score, Refs: refs}
}

type search struct {
	ix     *Index
	q      string
	hist   [histSize]uint16
	pat    *pattern
	floor  float64
	best   float64
	bestID int
	seen   float64
	done   map[int]struct{}
}

func newSearch(ix *Index, q string, floor float64) *search {
	s := &search{ix: ix, q: q, hist: histogram(q), floor: floor, best: -1, bestID: -1}
	if len(q) <= 64 {
		s.pat = newPattern(q)
	}
	return s
}

// seed scores candidates that share a token with the query.
func (s *search) seed() {
	for _, tok := range strings.Fields(s.q) {
		ids := s.ix.postings[tok]
		if len(ids) == 0 || len(ids) > seedPostingLimit {
			continue
		}
		if s.done == nil {
			s.done = make(map[int]struct{})
		}
		for _, id := range ids {
			if _, ok := s.done[id]; ok {
				continue
			}
			s.done[id] = struct{}{}
			s.consider(id)
		}
	}
}

// scan walks length buckets outward from the query length.
func (s *search) scan() {
	n := len(s.q)
	lengths := s.ix.lengths
	hi := sort.SearchInts(lengths, n)
	lo := hi - 1

	lengthBound := func(m int) float64 { return ratioFrom(min(n, m), n+m) }

	for lo >= 0 || hi < len(lengths) {
		var m int
		switch {
		case lo < 0:
			m = lengths[hi]
			hi++
		case hi >= len(lengths):
			m = lengths[lo]
			lo--
		case lengthBound(lengths[lo]) >= lengthBound(lengths[hi]):
			m = lengths[lo]
			lo--
		default:
			m = lengths[hi]
			hi++
		}

		// The bound falls monotonically on each side and buckets are taken
		// in order of decreasing bound, so nothing further out can do better.
		bound := lengthBound(m)
		if bound < s.best || bound < s.floor {
			return
		}
		for _, id := range s.ix.buckets[m] {
			if _, ok := s.done[id]; ok {
				continue
			}
			s.consider(id)
		}
	}
}

func (s *search) consider(id int) {
	c := &s.ix.cands[id]
	total := len(s.q) + len(c.key)

	bound := ratioFrom(common(&s.hist, &c.hist), total)
	if bound < s.best || bound < s.floor {
		return
	}
	if bound == s.best && id > s.bestID {
		return
	}

	var lcs int
	if s.pat != nil {
		lcs = s.pat.lcs(c.key)
	} else {
		lcs = lcsLength(s.q, c.key)
	}
	score := ratioFrom(lcs, total)
	if score > s.seen {
		s.seen = score
	}
	if score < s.floor {
		return
	}
	if score > s.best || (score == s.best && id < s.bestID) {
		s.best, s.bestID = score, id
	}
}

func histogram(s string) [histSize]uint16 {
	var h [histSize]uint16
	for i := 0; i < len(s); i++ {
		h[histSlot(s[i])]++
	}
	return h
}

// histSlot folds anything outside [a-z0-9] into the space slot; merging
// classes only loosens the bound.
func histSlot(c byte) int {
	switch {
	case c >= 'a' && c <= 'z':
		return int(c - 'a')
	case c >= '0' && c <= '9':
		return 26 + int(c-'0')
	default:
		return 36
	}
}

func common(a, b *[histSize]uint16) int {
	n := 0
	for i := range a {
		n += int(min(a[i], b[i]))
	}
	return n
}
