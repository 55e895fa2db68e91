package metric

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Built-in plugin ids.
const (
	IDWordCount     = "word_count"
	IDCharCount     = "char_count"
	IDSentenceCount = "sentence_count"
	IDFlesch        = "flesch_reading_ease"
	IDSentiment     = "sentiment"
	IDKeywordMatch  = "keyword_match"
	IDPrecision     = "precision"
	IDRecall        = "recall"
	IDF1            = "f1_score"
	IDBLEU          = "bleu"
	IDJSONValid     = "json_valid"
)

// funcPlugin adapts plain functions to Plugin and Validator.
type funcPlugin struct {
	info     Info
	calc     func(text string, input Input) (any, error)
	validate func(Input) bool
}

func (p *funcPlugin) Info() Info { return p.info }

func (p *funcPlugin) Calculate(ctx context.Context, text string, input Input) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.calc(text, input)
}

func (p *funcPlugin) Validate(input Input) bool {
	if p.validate == nil {
		return true
	}
	return p.validate(input)
}

// NewFuncPlugin builds a plugin from a calculation function.
func NewFuncPlugin(info Info, calc func(text string, input Input) (any, error)) Plugin {
	if info.InputKind == "" {
		info.InputKind = InputNone
	}
	if info.Version == "" {
		info.Version = "1.0.0"
	}
	return &funcPlugin{info: info, calc: calc}
}

// Builtins returns the built-in plugins. The formulas are deliberately
// simple approximations.
func Builtins() []Plugin {
	return []Plugin{
		NewFuncPlugin(Info{ID: IDWordCount, Name: "Word Count", Description: "Number of whitespace-separated words", Category: CategoryBasic, Default: true},
			func(text string, _ Input) (any, error) { return len(strings.Fields(text)), nil }),
		NewFuncPlugin(Info{ID: IDCharCount, Name: "Character Count", Description: "Number of characters", Category: CategoryBasic},
			func(text string, _ Input) (any, error) { return utf8.RuneCountInString(text), nil }),
		NewFuncPlugin(Info{ID: IDSentenceCount, Name: "Sentence Count", Description: "Number of sentences", Category: CategoryBasic, Default: true},
			func(text string, _ Input) (any, error) { return sentenceCount(text), nil }),
		NewFuncPlugin(Info{ID: IDFlesch, Name: "Flesch Reading Ease", Description: "Readability on a 0-100 scale", Category: CategoryReadability, Default: true},
			func(text string, _ Input) (any, error) { return fleschReadingEase(text), nil }),
		NewFuncPlugin(Info{ID: IDSentiment, Name: "Sentiment", Description: "Lexicon sentiment with compound score in [-1, 1]", Category: CategorySentiment, Default: true},
			func(text string, _ Input) (any, error) { return sentiment(text), nil }),
		&funcPlugin{
			info: Info{
				ID: IDKeywordMatch, Name: "Keyword Match", Description: "Share of keywords present in the output",
				Category: CategoryContent, Version: "1.0.0", RequiresInput: true, InputKind: InputKeywords,
			},
			calc:     func(text string, in Input) (any, error) { return keywordMatch(text, in.Keywords), nil },
			validate: validKeywords,
		},
		referencePlugin(IDPrecision, "Precision", "Share of output tokens found in the reference",
			func(out, ref []string) float64 { p, _, _ := overlap(out, ref); return p }),
		referencePlugin(IDRecall, "Recall", "Share of reference tokens found in the output",
			func(out, ref []string) float64 { _, r, _ := overlap(out, ref); return r }),
		referencePlugin(IDF1, "F1 Score", "Harmonic mean of precision and recall",
			func(out, ref []string) float64 { _, _, f := overlap(out, ref); return f }),
		referencePlugin(IDBLEU, "BLEU", "Unigram and bigram BLEU with brevity penalty", bleu),
		NewFuncPlugin(Info{ID: IDJSONValid, Name: "Valid JSON", Description: "Whether the output parses as JSON", Category: CategoryStructure},
			func(text string, _ Input) (any, error) { return json.Valid([]byte(strings.TrimSpace(text))), nil }),
	}
}

// RegisterBuiltins registers every built-in plugin with r.
func RegisterBuiltins(r *Registry) {
	for _, p := range Builtins() {
		r.Register(p)
	}
}

func referencePlugin(id, name, description string, score func(out, ref []string) float64) Plugin {
	return &funcPlugin{
		info: Info{
			ID: id, Name: name, Description: description, Category: CategoryReference,
			Version: "1.0.0", RequiresInput: true, InputKind: InputReference,
		},
		calc: func(text string, in Input) (any, error) {
			return round4(score(tokenize(text), tokenize(in.Reference))), nil
		},
		validate: func(in Input) bool { return strings.TrimSpace(in.Reference) != "" },
	}
}

func validKeywords(in Input) bool {
	if len(in.Keywords) == 0 {
		return false
	}
	for _, k := range in.Keywords {
		if strings.TrimSpace(k) == "" {
			return false
		}
	}
	return true
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func sentenceCount(text string) int {
	n := 0
	inSentence := false
	for _, r := range text {
		switch {
		case r == '.' || r == '!' || r == '?':
			if inSentence {
				n++
			}
			inSentence = false
		case !unicode.IsSpace(r):
			inSentence = true
		}
	}
	if inSentence {
		n++
	}
	return n
}

func syllables(word string) int {
	count := 0
	prevVowel := false
	for _, r := range word {
		vowel := strings.ContainsRune("aeiouy", r)
		if vowel && !prevVowel {
			count++
		}
		prevVowel = vowel
	}
	if strings.HasSuffix(word, "e") && count > 1 {
		count--
	}
	if count == 0 {
		count = 1
	}
	return count
}

func fleschReadingEase(text string) float64 {
	words := tokenize(text)
	if len(words) == 0 {
		return 0
	}
	sentences := sentenceCount(text)
	if sentences == 0 {
		sentences = 1
	}
	syl := 0
	for _, w := range words {
		syl += syllables(w)
	}
	score := 206.835 - 1.015*float64(len(words))/float64(sentences) - 84.6*float64(syl)/float64(len(words))
	return round4(math.Max(0, math.Min(100, score)))
}

var (
	positiveWords = toSet("good", "great", "excellent", "happy", "love", "like", "wonderful", "best", "amazing",
		"positive", "nice", "helpful", "clear", "easy", "fantastic", "glad", "success", "well", "enjoy", "perfect")
	negativeWords = toSet("bad", "terrible", "awful", "sad", "hate", "worst", "poor", "negative", "wrong",
		"difficult", "hard", "error", "fail", "failure", "problem", "ugly", "angry", "broken", "confusing", "useless")
)

func toSet(words ...string) map[string]bool {
	s := make(map[string]bool, len(words))
	for _, w := range words {
		s[w] = true
	}
	return s
}

// sentimentAlpha normalizes the raw lexicon sum into (-1, 1).
const sentimentAlpha = 15

func sentiment(text string) Sentiment {
	raw := 0.0
	hits := 0
	for _, w := range tokenize(text) {
		switch {
		case positiveWords[w]:
			raw++
			hits++
		case negativeWords[w]:
			raw--
			hits++
		}
	}
	compound := raw / math.Sqrt(raw*raw+sentimentAlpha)
	label := "neutral"
	switch {
	case compound >= 0.05:
		label = "positive"
	case compound <= -0.05:
		label = "negative"
	}
	confidence := 0.0
	if hits > 0 {
		confidence = math.Abs(compound)
	}
	return Sentiment{
		Label:      label,
		Score:      round4((compound + 1) / 2),
		Confidence: round4(confidence),
		Compound:   round4(compound),
	}
}

func keywordMatch(text string, keywords []string) KeywordMatch {
	lower := strings.ToLower(text)
	m := KeywordMatch{Found: []string{}, Missing: []string{}, TotalKeywords: len(keywords)}
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(strings.TrimSpace(k))) {
			m.Found = append(m.Found, k)
		} else {
			m.Missing = append(m.Missing, k)
		}
	}
	if len(keywords) > 0 {
		m.MatchPercentage = round4(float64(len(m.Found)) / float64(len(keywords)) * 100)
	}
	return m
}

func counts(tokens []string) map[string]int {
	c := make(map[string]int, len(tokens))
	for _, t := range tokens {
		c[t]++
	}
	return c
}

// overlap returns token precision, recall and F1 using clipped counts.
func overlap(out, ref []string) (precision, recall, f1 float64) {
	if len(out) == 0 || len(ref) == 0 {
		return 0, 0, 0
	}
	refCounts := counts(ref)
	common := 0
	for tok, n := range counts(out) {
		common += min(n, refCounts[tok])
	}
	precision = float64(common) / float64(len(out))
	recall = float64(common) / float64(len(ref))
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return precision, recall, f1
}

func bigrams(tokens []string) []string {
	if len(tokens) < 2 {
		return nil
	}
	out := make([]string, 0, len(tokens)-1)
	for i := 0; i+1 < len(tokens); i++ {
		out = append(out, tokens[i]+" "+tokens[i+1])
	}
	return out
}

func bleu(out, ref []string) float64 {
	if len(out) == 0 || len(ref) == 0 {
		return 0
	}
	p1, _, _ := overlap(out, ref)
	p2, _, _ := overlap(bigrams(out), bigrams(ref))
	if p1 == 0 {
		return 0
	}
	score := p1
	if len(out) > 1 && len(ref) > 1 {
		if p2 == 0 {
			return 0
		}
		score = math.Sqrt(p1 * p2)
	}
	if len(out) < len(ref) {
		score *= math.Exp(1 - float64(len(ref))/float64(len(out)))
	}
	return score
}
