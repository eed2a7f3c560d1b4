package handlers

import (
	"net/http"
	"strings"

	"github.com/entitylink/internal/match"
)

// MatchHandler scores free-text names and domains against the index built
// at startup.
type MatchHandler struct {
	Matcher *match.Matcher
}

// Candidate is one entity behind the best-scoring candidate string.
type Candidate struct {
	ABN          int64    `json:"abn"`
	EntityName   string   `json:"entity_name"`
	TradingNames []string `json:"trading_names,omitempty"`
	MatchedOn    string   `json:"matched_on"`
}

// MatchResponse is the decision for one query.
type MatchResponse struct {
	Query      string      `json:"query"`
	Normalized string      `json:"normalized"`
	Candidate  string      `json:"candidate,omitempty"`
	Score      float64     `json:"score"`
	Matched    bool        `json:"matched"`
	Entities   []Candidate `json:"entities"`
}

// Match scores ?q= as an entity name, or ?domain= as a crawled domain.
func (h *MatchHandler) Match(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	domain := strings.TrimSpace(r.URL.Query().Get("domain"))

	resp := MatchResponse{Entities: []Candidate{}}
	var hit match.Hit
	switch {
	case q != "":
		resp.Query = q
		hit, _ = h.Matcher.Lookup(q)
		resp.Normalized = h.Matcher.Normalize(q)
	case domain != "":
		resp.Query = domain
		resp.Normalized = h.Matcher.Query(domain)
		hit, _ = h.Matcher.LookupDomain(domain)
	default:
		writeError(w, http.StatusBadRequest, "Missing q or domain parameter")
		return
	}

	resp.Candidate = hit.Candidate
	resp.Score = hit.Score
	resp.Matched = h.Matcher.Accepted(hit)
	if resp.Matched {
		for _, ref := range hit.Refs {
			resp.Entities = append(resp.Entities, Candidate{
				ABN:          ref.Entry.ABN,
				EntityName:   ref.Entry.Name,
				TradingNames: ref.Entry.TradingNames,
				MatchedOn:    ref.Form,
			})
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
