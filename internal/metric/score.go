package metric

import (
	"encoding/json"
)

// AverageScore derives a single score in [0, 1] from the fixed subset of
// numeric metrics that have a natural normalization: readability is divided
// by 100, sentiment compound x is mapped via (x+1)/2, and precision, recall,
// F1 and BLEU are used as-is. Absent metrics are skipped; with none present
// the average is 0.
func AverageScore(metrics map[string]any) float64 {
	var sum float64
	n := 0
	add := func(v float64) {
		sum += clamp01(v)
		n++
	}

	if v, ok := number(metrics[IDFlesch]); ok {
		add(v / 100)
	}
	if v, ok := sentimentCompound(metrics[IDSentiment]); ok {
		add((v + 1) / 2)
	}
	for _, id := range []string{IDPrecision, IDRecall, IDF1, IDBLEU} {
		if v, ok := number(metrics[id]); ok {
			add(v)
		}
	}

	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// sentimentCompound accepts a bare compound score, a Sentiment, or the
// decoded JSON form of one.
func sentimentCompound(v any) (float64, bool) {
	if f, ok := number(v); ok {
		return f, true
	}
	switch s := v.(type) {
	case Sentiment:
		return s.Compound, true
	case map[string]any:
		return number(s["compound"])
	default:
		return 0, false
	}
}
