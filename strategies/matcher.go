package strategies

import (
	"fmt"

	"github.com/rustyeddy/papertrade/signal"
)

// RejectCode enumerates why a signal produced no position. Codes are stable
// strings consumed by the journal and the dashboard.
type RejectCode string

const (
	RejectNoStrategy      RejectCode = "no-strategy"
	RejectBelowThreshold  RejectCode = "below-threshold"
	RejectWrongDirection  RejectCode = "wrong-direction"
	RejectUnknownTokenAge RejectCode = "unknown-token-age"
	RejectDuplicateOpen   RejectCode = "duplicate-open"
	RejectInvalidSignal   RejectCode = "invalid-signal"
)

// Rejection is the typed "no match" result of Matcher.Evaluate.
type Rejection struct {
	Code   RejectCode
	Detail string
}

func (r Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

// Match is a successful strategy selection. Strategy.Name, not any default
// label carried by the wallet, is what gets persisted on the position.
type Match struct {
	Strategy   Strategy
	Confidence float64
}

// DefaultNoHistoryConfidence is the fixed weight assigned to signals from
// wallets with no closed-trade history. Such wallets are accepted, not
// rejected, and their missing win rate is never compared numerically.
const DefaultNoHistoryConfidence = 0.25

// OpenChecker answers whether a position is already open for a wallet+token
// pair; the matcher uses it for the duplicate-signal rejection.
type OpenChecker interface {
	HasOpen(wallet string, token signal.Token) bool
}

// Matcher selects a strategy for a signal. Evaluation is pure aside from the
// read-only duplicate check; the caller performs risk authorization
// separately.
type Matcher struct {
	NoHistoryConfidence float64
	Open                OpenChecker
}

func NewMatcher(open OpenChecker) *Matcher {
	return &Matcher{
		NoHistoryConfidence: DefaultNoHistoryConfidence,
		Open:                open,
	}
}

// Evaluate filters the registered strategies by applicability and returns the
// one with the highest confidence. Ties break on Priority, then name, so the
// choice is deterministic regardless of registration order.
func (m *Matcher) Evaluate(sig signal.Signal, reg *Registry) (Match, error) {
	if err := sig.Validate(); err != nil {
		return Match{}, Rejection{Code: RejectInvalidSignal, Detail: err.Error()}
	}
	if m.Open != nil && m.Open.HasOpen(sig.Wallet, sig.Token) {
		return Match{}, Rejection{
			Code:   RejectDuplicateOpen,
			Detail: fmt.Sprintf("wallet %s already holds %s", sig.Wallet, sig.Token.Key()),
		}
	}

	var (
		best    Match
		found   bool
		nearest *Rejection
	)
	for _, s := range reg.List() {
		conf, rej := m.score(sig, s)
		if rej != nil {
			// Keep the first meaningful reason for reporting when
			// nothing matches; List() order makes this deterministic.
			if nearest == nil || nearest.Code == RejectNoStrategy {
				nearest = rej
			}
			continue
		}
		if !found || better(Match{s, conf}, best) {
			best = Match{Strategy: s, Confidence: conf}
			found = true
		}
	}
	if !found {
		if nearest != nil {
			return Match{}, *nearest
		}
		return Match{}, Rejection{Code: RejectNoStrategy, Detail: "no registered strategy accepts this signal"}
	}
	return best, nil
}

func better(a, b Match) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Strategy.Priority != b.Strategy.Priority {
		return a.Strategy.Priority > b.Strategy.Priority
	}
	return a.Strategy.Name < b.Strategy.Name
}

// score applies the applicability predicate and, when it passes, computes a
// deterministic confidence from how far the signal's metrics exceed the
// strategy's minimum thresholds.
func (m *Matcher) score(sig signal.Signal, s Strategy) (float64, *Rejection) {
	if sig.Direction != s.Direction {
		return 0, &Rejection{Code: RejectWrongDirection,
			Detail: fmt.Sprintf("%s wants %s, signal is %s", s.Name, s.Direction, sig.Direction)}
	}
	if !s.acceptsChain(sig.Token.Chain) {
		return 0, &Rejection{Code: RejectBelowThreshold,
			Detail: fmt.Sprintf("%s does not trade chain %s", s.Name, sig.Token.Chain)}
	}

	if s.MinTokenAge > 0 || s.MaxTokenAge > 0 {
		if sig.Token.AgeHours == nil {
			return 0, &Rejection{Code: RejectUnknownTokenAge,
				Detail: fmt.Sprintf("%s constrains token age but age is unknown", s.Name)}
		}
		age := *sig.Token.AgeHours
		if age < s.MinTokenAge || (s.MaxTokenAge > 0 && age > s.MaxTokenAge) {
			return 0, &Rejection{Code: RejectBelowThreshold,
				Detail: fmt.Sprintf("token age %.1fh outside [%.1f, %.1f]", age, s.MinTokenAge, s.MaxTokenAge)}
		}
	}

	var notionalScore float64
	if s.MinNotional > 0 {
		if sig.Notional == nil || *sig.Notional < s.MinNotional {
			return 0, &Rejection{Code: RejectBelowThreshold,
				Detail: fmt.Sprintf("notional below %s floor %.2f", s.Name, s.MinNotional)}
		}
		notionalScore = excessScore(*sig.Notional, s.MinNotional)
	} else {
		notionalScore = 0.5
	}

	// Wallet history. A missing win rate is an explicit branch: the wallet
	// is accepted at the fixed low-confidence weight and the rate is never
	// compared against the strategy floor.
	if !sig.Stats.HasHistory() {
		return m.noHistoryConfidence(), nil
	}
	if sig.Stats.SampleSize < s.MinSampleSize {
		return 0, &Rejection{Code: RejectBelowThreshold,
			Detail: fmt.Sprintf("sample size %d below %s floor %d", sig.Stats.SampleSize, s.Name, s.MinSampleSize)}
	}
	winRate := *sig.Stats.WinRate
	if winRate < s.MinWinRate {
		return 0, &Rejection{Code: RejectBelowThreshold,
			Detail: fmt.Sprintf("win rate %.2f below %s floor %.2f", winRate, s.Name, s.MinWinRate)}
	}

	var rateScore float64
	if s.MinWinRate > 0 {
		rateScore = excessScore(winRate, s.MinWinRate)
	} else {
		rateScore = 0.5 + 0.5*winRate
	}

	return (notionalScore + rateScore) / 2, nil
}

func (m *Matcher) noHistoryConfidence() float64 {
	if m.NoHistoryConfidence > 0 {
		return m.NoHistoryConfidence
	}
	return DefaultNoHistoryConfidence
}

// excessScore maps how far value exceeds min into [0.5, 1]: exactly at the
// floor scores 0.5, double the floor or beyond scores 1.
func excessScore(value, min float64) float64 {
	excess := (value - min) / min
	if excess > 1 {
		excess = 1
	}
	return 0.5 + 0.5*excess
}
