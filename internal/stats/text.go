package stats

import (
	"math"
	"sort"
	"strings"

	"github.com/frankmgb/tangram/internal/table"
)

// NGramType discriminates unigrams from bigrams.
type NGramType uint8

const (
	Unigram NGramType = iota
	Bigram
)

// NGram is a tracked token sequence: either one token (Unigram) or two
// (Bigram), joined by a separator that cannot appear in a token so the
// pair round-trips as a map key.
type NGram string

func unigramKey(tok string) NGram { return NGram(tok) }
func bigramKey(a, b string) NGram { return NGram(a + "\x00" + b) }

// Text renders the n-gram for humans, joining bigram tokens with a
// space.
func (n NGram) Text() string { return strings.ReplaceAll(string(n), "\x00", " ") }

// Tokenize lowercases ASCII and splits on any non-alphanumeric rune.
func Tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		lr := toLowerASCII(r)
		if isAlnum(lr) {
			cur.WriteRune(lr)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

func toLowerASCII(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

// TextColumnStatsNGramEntry tracks one n-gram's row/occurrence counts.
type TextColumnStatsNGramEntry struct {
	RowCount        int
	OccurrenceCount int
}

// TextColumnStats accumulates n-gram frequencies across rows of one text
// column. Every field survives a JSON round trip, so a serialized
// production bucket merges losslessly with live traffic.
type TextColumnStats struct {
	RowCount                      int
	NGramTypes                    map[NGramType]struct{}
	NGrams                        map[NGram]*TextColumnStatsNGramEntry
	UntrackedNGramOccurrenceCount int // only meaningful in production stats
}

func computeText(col *table.Column, v table.View, ci int, settings Settings) *TextColumnStats {
	s := &TextColumnStats{NGramTypes: settings.NGramTypes, NGrams: make(map[NGram]*TextColumnStatsNGramEntry)}
	n := v.NRows()
	s.RowCount = n
	seenThisRow := make(map[NGram]struct{})
	for r := 0; r < n; r++ {
		text := v.TextAt(ci, r)
		s.accumulateRow(text, seenThisRow, nil)
	}
	return s
}

// accumulateRow tokenizes one row's text and updates n-gram counts. If
// tracked is non-nil, only n-grams present in that set are counted
// (towards occurrence totals) and everything else is tallied into
// UntrackedNGramOccurrenceCount — used for production stats, where the
// training model dictates which n-grams matter.
func (s *TextColumnStats) accumulateRow(text string, seenThisRow map[NGram]struct{}, tracked map[NGram]struct{}) {
	for k := range seenThisRow {
		delete(seenThisRow, k)
	}
	tokens := Tokenize(text)
	emit := func(ng NGram) {
		if tracked != nil {
			if _, ok := tracked[ng]; !ok {
				s.UntrackedNGramOccurrenceCount++
				return
			}
		}
		entry, ok := s.NGrams[ng]
		if !ok {
			entry = &TextColumnStatsNGramEntry{}
			s.NGrams[ng] = entry
		}
		entry.OccurrenceCount++
		seenThisRow[ng] = struct{}{}
	}
	if _, ok := s.NGramTypes[Unigram]; ok {
		for _, t := range tokens {
			emit(unigramKey(t))
		}
	}
	if _, ok := s.NGramTypes[Bigram]; ok {
		for i := 0; i+1 < len(tokens); i++ {
			emit(bigramKey(tokens[i], tokens[i+1]))
		}
	}
	for ng := range seenThisRow {
		s.NGrams[ng].RowCount++
	}
}

// MergeWith combines two text accumulators over disjoint rows; used
// directly by the production-stats bucket merge.
func (s *TextColumnStats) MergeWith(other *TextColumnStats) *TextColumnStats { return s.merge(other) }

// AccumulateRow is the exported per-row fold used by production stats,
// where tracked restricts counting to the training model's n-grams.
func (s *TextColumnStats) AccumulateRow(text string, seenThisRow map[NGram]struct{}, tracked map[NGram]struct{}) {
	s.accumulateRow(text, seenThisRow, tracked)
}

func (s *TextColumnStats) merge(other *TextColumnStats) *TextColumnStats {
	out := &TextColumnStats{
		RowCount:                      s.RowCount + other.RowCount,
		NGramTypes:                    s.NGramTypes,
		NGrams:                        make(map[NGram]*TextColumnStatsNGramEntry, len(s.NGrams)),
		UntrackedNGramOccurrenceCount: s.UntrackedNGramOccurrenceCount + other.UntrackedNGramOccurrenceCount,
	}
	for ng, e := range s.NGrams {
		copied := *e
		out.NGrams[ng] = &copied
	}
	for ng, oe := range other.NGrams {
		if e, ok := out.NGrams[ng]; ok {
			e.RowCount += oe.RowCount
			e.OccurrenceCount += oe.OccurrenceCount
		} else {
			copied := *oe
			out.NGrams[ng] = &copied
		}
	}
	return out
}

// TextColumnStatsOutput is the finalized, IDF-annotated, top-N n-gram
// table.
type TextColumnStatsOutput struct {
	RowCount    int
	NGramsCount int
	TopNGrams   []TopNGramEntry
}

// TopNGramEntry is one surviving n-gram after ranking.
type TopNGramEntry struct {
	NGram           NGram
	RowCount        int
	OccurrenceCount int
	IDF             float32
}

func (s *TextColumnStats) finalize(settings Settings) *TextColumnStatsOutput {
	entries := make([]NGram, 0, len(s.NGrams))
	for ng := range s.NGrams {
		entries = append(entries, ng)
	}
	// Highest row_count first; equal counts order lexically so the
	// ranking is deterministic regardless of map iteration.
	sort.Slice(entries, func(i, j int) bool {
		ri, rj := s.NGrams[entries[i]].RowCount, s.NGrams[entries[j]].RowCount
		if ri != rj {
			return ri > rj
		}
		return entries[i] < entries[j]
	})
	if len(entries) > settings.NGramsMaxCount {
		entries = entries[:settings.NGramsMaxCount]
	}
	out := &TextColumnStatsOutput{RowCount: s.RowCount, NGramsCount: len(s.NGrams)}
	rowCountF := float64(s.RowCount)
	for _, ng := range entries {
		e := s.NGrams[ng]
		idf := math.Log((1.0+rowCountF)/(1.0+float64(e.RowCount))) + 1.0
		out.TopNGrams = append(out.TopNGrams, TopNGramEntry{
			NGram: ng, RowCount: e.RowCount, OccurrenceCount: e.OccurrenceCount, IDF: float32(idf),
		})
	}
	return out
}
