// Package filter implements the peer candidate spam engine: ordered,
// first-match-wins rules over the host name and any prior probe result.
package filter

import (
	"strings"
	"unicode"

	"fedlist/internal/hostname"
	"fedlist/internal/model"
	"fedlist/internal/storage"
)

// SuspiciousTLDs are free or heavily abused top-level domains.
var SuspiciousTLDs = []string{
	"tk", "ml", "ga", "cf", "gq", "xyz", "top", "click", "loan",
	"work", "men", "icu", "buzz", "rest", "cam", "bid", "win",
}

// Keyword is a spam term. Short terms only match a whole host token,
// otherwise they would hit ordinary words ("sussex", "alphabet").
type Keyword struct {
	Term      string
	WholeWord bool
}

// SpamKeywords covers spam, adult, gambling and cryptocurrency terms.
var SpamKeywords = []Keyword{
	{Term: "casino"}, {Term: "poker"}, {Term: "gambl"}, {Term: "crypto"},
	{Term: "bitcoin"}, {Term: "airdrop"}, {Term: "porn"}, {Term: "xxx"},
	{Term: "escort"}, {Term: "viagra"}, {Term: "cialis"}, {Term: "forex"},
	{Term: "pharma"}, {Term: "adult"},
	{Term: "bet", WholeWord: true}, {Term: "slot", WholeWord: true},
	{Term: "nft", WholeWord: true}, {Term: "sex", WholeWord: true},
	{Term: "loan", WholeWord: true},
}

const (
	maxDigitShare = 0.5
	maxCharRun    = 5
)

// Engine evaluates candidates. The zero value is not usable; use New.
type Engine struct {
	blocklist *Blocklist
	tlds      hostname.Set
	keywords  []Keyword
	prior     *storage.Snapshot
}

// New creates an Engine. blocklist and prior are optional; without prior
// the stats-based rules never fire.
func New(blocklist *Blocklist, prior *storage.Snapshot) *Engine {
	if blocklist == nil {
		blocklist = &Blocklist{}
	}
	return &Engine{
		blocklist: blocklist,
		tlds:      hostname.NewSet(SuspiciousTLDs...),
		keywords:  SpamKeywords,
		prior:     prior,
	}
}

// Evaluate returns the first matching rejection reason for host, and
// false when the host passes every rule.
func (e *Engine) Evaluate(host string) (model.RejectReason, bool) {
	h := hostname.Normalize(host)
	switch {
	case !validHost(h):
		return model.RejectInvalidHost, true
	case e.blocklist.Blocked(h):
		return model.RejectBlocklist, true
	case e.tlds.Has(hostname.TLD(h)):
		return model.RejectSuspiciousTLD, true
	case e.hasKeyword(h):
		return model.RejectSpamKeyword, true
	case mostlyDigits(h):
		return model.RejectNumericPattern, true
	case repeated(h):
		return model.RejectRepeatedPattern, true
	}
	return e.priorVerdict(h)
}

// Result is the outcome of partitioning a candidate list.
type Result struct {
	Accepted []model.PeerCandidate
	Rejected []model.RejectionLogEntry
}

// AcceptedHosts returns the hosts of the accepted candidates in order.
func (r Result) AcceptedHosts() []string {
	out := make([]string, 0, len(r.Accepted))
	for _, c := range r.Accepted {
		out = append(out, c.Host)
	}
	return out
}

// Counts returns how many candidates each reason rejected.
func (r Result) Counts() map[model.RejectReason]int {
	out := make(map[model.RejectReason]int)
	for _, e := range r.Rejected {
		out[e.Reason]++
	}
	return out
}

// Partition splits candidates into accepted and rejected, keeping input
// order. A host listed twice is evaluated once.
func (e *Engine) Partition(cands []model.PeerCandidate) Result {
	res := Result{Accepted: []model.PeerCandidate{}, Rejected: []model.RejectionLogEntry{}}
	seen := make(map[string]struct{}, len(cands))
	for _, c := range cands {
		h := hostname.Normalize(c.Host)
		key := h
		if key == "" {
			key = c.Host
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		if reason, rejected := e.Evaluate(c.Host); rejected {
			host := h
			if host == "" {
				host = strings.TrimSpace(c.Host)
			}
			res.Rejected = append(res.Rejected, model.RejectionLogEntry{Host: host, Reason: reason})
			continue
		}
		c.Host = h
		res.Accepted = append(res.Accepted, c)
	}
	return res
}

func (e *Engine) hasKeyword(h string) bool {
	tokens := strings.FieldsFunc(h, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, kw := range e.keywords {
		if !kw.WholeWord {
			if strings.Contains(h, kw.Term) {
				return true
			}
			continue
		}
		for _, t := range tokens {
			if t == kw.Term {
				return true
			}
		}
	}
	return false
}

// priorVerdict applies the stats-based rules. They only fire for hosts
// that already have a record in the bad partition.
func (e *Engine) priorVerdict(h string) (model.RejectReason, bool) {
	if e.prior == nil {
		return "", false
	}
	rec, part, ok := e.prior.Lookup(h)
	if !ok || part != model.PartitionBad {
		return "", false
	}
	if rec.FailureReason != nil && rec.FailureReason.Kind == model.FailAnomalous {
		return model.RejectAnomalousStats, true
	}
	return model.RejectPriorFailure, true
}

// validHost accepts LDH host names with at least two labels.
func validHost(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	labels := strings.Split(h, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if l == "" || len(l) > 63 || l[0] == '-' || l[len(l)-1] == '-' {
			return false
		}
		for _, r := range l {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}

func mostlyDigits(h string) bool {
	var digits, total int
	for _, r := range h {
		if r == '.' {
			continue
		}
		total++
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return total > 0 && float64(digits)/float64(total) >= maxDigitShare
}

// repeated reports a run of maxCharRun identical characters, a label that
// occurs twice, or a label made of one short chunk repeated three times.
func repeated(h string) bool {
	run := 1
	for i := 1; i < len(h); i++ {
		if h[i] == h[i-1] && h[i] != '.' {
			run++
			if run >= maxCharRun {
				return true
			}
		} else {
			run = 1
		}
	}

	labels := strings.Split(h, ".")
	seen := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			return true
		}
		seen[l] = struct{}{}
		if chunked(l) {
			return true
		}
	}
	return false
}

func chunked(label string) bool {
	for size := 2; size <= 4; size++ {
		if len(label) < size*3 || len(label)%size != 0 {
			continue
		}
		chunk := label[:size]
		if strings.Repeat(chunk, len(label)/size) == label {
			return true
		}
	}
	return false
}
