package lang

import (
	"sort"
	"strings"
)

// Signals carries the untrusted free-text context and the two histograms a
// resolution is based on. All fields may be empty.
type Signals struct {
	Username    string
	ChannelName string
	Caption     string
	Filename    string

	UserHist    map[string]int
	ChannelHist map[string]int
}

// Hints is the result of a resolution: the primary code plus up to two
// rounds of alternate codes. Round1 is nil when the context score for the
// primary clears the strict-confidence threshold, signalling the caller to
// attempt a strict (primary-only) pass first.
type Hints struct {
	Primary string
	Round1  []string
	Round2  []string

	// ContextScores holds the context bias per code, mostly for logging.
	ContextScores map[string]float64
}

// Resolver picks primary and alternate language codes from context signals.
// The zero value is not usable; construct with NewResolver.
type Resolver struct {
	defaultPrimary   string
	strictConfidence float64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDefaultPrimary sets the code used when no candidate scores high
// enough. The default is th-TH.
func WithDefaultPrimary(code string) Option {
	return func(r *Resolver) {
		if code != "" {
			r.defaultPrimary = Normalize(code)
		}
	}
}

// WithStrictConfidence sets the context score above which the first
// recognition round runs with the primary only. The default is 2.0.
func WithStrictConfidence(threshold float64) Option {
	return func(r *Resolver) {
		if threshold > 0 {
			r.strictConfidence = threshold
		}
	}
}

// NewResolver creates a Resolver with the given options applied.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		defaultPrimary:   DefaultPrimary,
		strictConfidence: DefaultStrictConfidence,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ContextBias scores every supported code against the context blob built
// from the signals. Scripts weigh heaviest; Latin word hints help separate
// languages that share the Latin alphabet.
func (r *Resolver) ContextBias(sig Signals) map[string]float64 {
	score := r.seedScores()
	blob := strings.Join([]string{sig.Username, sig.ChannelName, sig.Caption, sig.Filename}, " ")

	if HasThai(blob) {
		score["th-TH"] += 2.0
	}
	if HasJapanese(blob) {
		score["ja-JP"] += 2.0
	}
	if HasChinese(blob) {
		score["cmn-Hans-CN"] += 1.4
		score["cmn-Hant-TW"] += 1.0
		score["yue-Hant-HK"] += 0.6
	}
	if HasKorean(blob) {
		score["ko-KR"] += 2.0
	}
	if HasCyrillic(blob) {
		score["ru-RU"] += 2.0
		if HasUkrainian(blob) {
			score["uk-UA"] += 2.2
			score["ru-RU"] *= 0.6
		}
	}
	if HasKhmer(blob) {
		score["km-KH"] += 2.0
	}
	if HasMyanmar(blob) {
		score["my-MM"] += 2.0
	}
	if HasDevanagari(blob) {
		score["hi-IN"] += 2.0
	}
	if HasArabic(blob) {
		score["ar-SA"] += 2.0
	}

	lower := strings.ToLower(blob)
	for _, h := range latinHints {
		for _, w := range h.words {
			if strings.Contains(lower, w) {
				score[h.code] += h.weight
				break
			}
		}
	}
	return score
}

// seedScores is the baseline before any context is applied: English gets a
// small universal prior, every other pooled code a token baseline, and the
// configured default primary starts from zero so only real evidence can
// promote or demote it.
func (r *Resolver) seedScores() map[string]float64 {
	score := make(map[string]float64, len(supportedCodes))
	for _, c := range supportedCodes {
		score[c] = 0.1
	}
	score["en-US"] = 0.4
	score[r.defaultPrimary] = 0.0
	return score
}

// Resolve computes the full hint set for one request. primaryOverride, when
// non-empty, is normalized and used as the primary instead of the dynamic
// pick; alternates and rounds are still derived from the signals.
func (r *Resolver) Resolve(sig Signals, primaryOverride string) Hints {
	ctx := r.ContextBias(sig)

	var primary string
	switch {
	case primaryOverride != "":
		primary = Normalize(primaryOverride)
	case HasJapanese(sig.Filename) || HasJapanese(sig.Caption):
		// A Japanese file name or caption is near-certain evidence.
		primary = "ja-JP"
	default:
		primary = r.pickPrimary(ctx, sig)
	}

	ranked := r.rankAlternates(primary, ctx, sig)
	round1, round2 := r.splitRounds(primary, ctx, ranked)

	return Hints{
		Primary:       primary,
		Round1:        round1,
		Round2:        round2,
		ContextScores: ctx,
	}
}

// pickPrimary selects the highest combined score among the dynamic
// candidates, falling back to the default primary below a 1.0 floor.
func (r *Resolver) pickPrimary(ctx map[string]float64, sig Signals) string {
	best, bestScore := r.defaultPrimary, 0.0
	for _, c := range primaryCandidates {
		s := ctx[c] + 1.4*float64(sig.UserHist[c]) + 0.8*float64(sig.ChannelHist[c])
		if s > bestScore {
			best, bestScore = c, s
		}
	}
	if bestScore < 1.0 {
		return r.defaultPrimary
	}
	return best
}

// rankAlternates orders the fallback pool by combined weight, excluding the
// primary, keeping positive-weight entries first and topping up from the
// fixed fallback order. It returns up to two rounds worth of codes.
func (r *Resolver) rankAlternates(primary string, ctx map[string]float64, sig Signals) []string {
	weights := make(map[string]float64, len(FallbackOrder))
	for _, c := range FallbackOrder {
		weights[c] = 0.8*float64(sig.ChannelHist[c]) + 1.4*float64(sig.UserHist[c]) + ctx[c]
	}
	delete(weights, primary)

	type entry struct {
		code   string
		weight float64
	}
	entries := make([]entry, 0, len(weights))
	for c, w := range weights {
		entries = append(entries, entry{c, w})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].weight != entries[j].weight {
			return entries[i].weight > entries[j].weight
		}
		return fallbackIndex(entries[i].code) < fallbackIndex(entries[j].code)
	})

	const limit = 2 * maxAlternatesPerRound
	ranked := make([]string, 0, limit)
	for _, e := range entries {
		if e.weight > 0 && len(ranked) < limit {
			ranked = append(ranked, e.code)
		}
	}
	for _, c := range FallbackOrder {
		if len(ranked) >= limit {
			break
		}
		if c != primary && !containsCode(ranked, c) {
			ranked = append(ranked, c)
		}
	}

	// Code-switch insurance: Thai, Khmer and Myanmar speakers mix in
	// English often enough that en-US must be reachable in round 1.
	switch baseOf(primary) {
	case "th", "km", "my":
		ranked = ensureInFront(ranked, "en-US", maxAlternatesPerRound)
	}
	return ranked
}

// splitRounds derives the two attempt rounds from the ranked alternates.
func (r *Resolver) splitRounds(primary string, ctx map[string]float64, ranked []string) (round1, round2 []string) {
	first := ranked[:min(maxAlternatesPerRound, len(ranked))]

	if ctx[primary] >= r.strictConfidence {
		round1 = nil // confident enough for a strict pass
	} else if len(first) > 0 {
		round1 = first
	}

	rest := ranked[min(maxAlternatesPerRound, len(ranked)):]
	round2 = make([]string, 0, maxAlternatesPerRound)
	for _, c := range rest {
		if !containsCode(round1, c) && len(round2) < maxAlternatesPerRound {
			round2 = append(round2, c)
		}
	}
	if len(round2) == 0 && len(first) > 0 {
		// Nothing new to try; reuse the first slice so a second
		// alternates pass is still possible after a strict round 1.
		round2 = first
	}
	if len(round2) == 0 {
		round2 = nil
	}
	return round1, round2
}

// DetectScript classifies recognizer output text to the language code of its
// dominant script. Latin and unrecognized scripts classify as en-US.
func DetectScript(s string) string {
	switch {
	case HasThai(s):
		return "th-TH"
	case HasJapanese(s):
		return "ja-JP"
	case HasChinese(s):
		return "cmn-Hans-CN"
	case HasKorean(s):
		return "ko-KR"
	case HasUkrainian(s):
		return "uk-UA"
	case HasCyrillic(s):
		return "ru-RU"
	case HasKhmer(s):
		return "km-KH"
	case HasMyanmar(s):
		return "my-MM"
	case HasDevanagari(s):
		return "hi-IN"
	case HasArabic(s):
		return "ar-SA"
	}
	return "en-US"
}

func fallbackIndex(code string) int {
	for i, c := range FallbackOrder {
		if c == code {
			return i
		}
	}
	return len(FallbackOrder)
}

func containsCode(list []string, code string) bool {
	for _, c := range list {
		if c == code {
			return true
		}
	}
	return false
}

// ensureInFront guarantees code appears within the first n entries of list,
// displacing the n-th entry if necessary.
func ensureInFront(list []string, code string, n int) []string {
	for i, c := range list {
		if c == code {
			if i < n {
				return list
			}
			// Move it up into the window.
			copy(list[n:i+1], list[n-1:i])
			list[n-1] = code
			return list
		}
	}
	if len(list) < n {
		return append(list, code)
	}
	list[n-1] = code
	return list
}
