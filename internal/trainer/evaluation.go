package trainer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Abstain marks a validation row that met neither confidence threshold.
const Abstain = -1

// DualThreshold labels a row 1 when P(1) >= pos, else 0 when P(0) >= neg,
// else Abstain.
func DualThreshold(probs [][]float64, pos, neg float64) []int {
	out := make([]int, len(probs))
	for i, p := range probs {
		switch {
		case p[1] >= pos:
			out[i] = 1
		case p[0] >= neg:
			out[i] = 0
		default:
			out[i] = Abstain
		}
	}
	return out
}

// ClassStats are the per-class (or averaged) scores of a classification
// report.
type ClassStats struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Evaluation scores the retained validation rows. Undefined ratios are 0.
type Evaluation struct {
	Accuracy    float64            `json:"accuracy"`
	Precision   float64            `json:"precision"`
	Recall      float64            `json:"recall"`
	F1          float64            `json:"f1"`
	Classes     map[int]ClassStats `json:"classes"`
	Labels      []int              `json:"labels"`
	MacroAvg    ClassStats         `json:"macro_avg"`
	WeightedAvg ClassStats         `json:"weighted_avg"`
	Support     int                `json:"support"`
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func harmonic(p, r float64) float64 {
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Evaluate compares predictions with the truth. Labels are the union of both
// sides; averages weight each class by its support.
func Evaluate(truth, pred []int) Evaluation {
	seen := map[int]bool{}
	for i := range truth {
		seen[truth[i]] = true
		seen[pred[i]] = true
	}
	labels := make([]int, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Ints(labels)

	ev := Evaluation{Classes: make(map[int]ClassStats, len(labels)), Labels: labels, Support: len(truth)}
	correct := 0
	for i := range truth {
		if truth[i] == pred[i] {
			correct++
		}
	}
	ev.Accuracy = ratio(correct, len(truth))

	for _, l := range labels {
		tp, predicted, actual := 0, 0, 0
		for i := range truth {
			if pred[i] == l {
				predicted++
			}
			if truth[i] == l {
				actual++
				if pred[i] == l {
					tp++
				}
			}
		}
		p, r := ratio(tp, predicted), ratio(tp, actual)
		cs := ClassStats{Precision: p, Recall: r, F1: harmonic(p, r), Support: actual}
		ev.Classes[l] = cs

		ev.MacroAvg.Precision += cs.Precision
		ev.MacroAvg.Recall += cs.Recall
		ev.MacroAvg.F1 += cs.F1

		w := ratio(actual, len(truth))
		ev.WeightedAvg.Precision += w * cs.Precision
		ev.WeightedAvg.Recall += w * cs.Recall
		ev.WeightedAvg.F1 += w * cs.F1
	}
	if n := float64(len(labels)); n > 0 {
		ev.MacroAvg.Precision /= n
		ev.MacroAvg.Recall /= n
		ev.MacroAvg.F1 /= n
	}
	ev.MacroAvg.Support = len(truth)
	ev.WeightedAvg.Support = len(truth)

	ev.Precision = ev.WeightedAvg.Precision
	ev.Recall = ev.WeightedAvg.Recall
	ev.F1 = ev.WeightedAvg.F1
	return ev
}

// Report renders the evaluation as a plain-text classification report.
func (ev Evaluation) Report() string {
	const digits = 2
	width := len("weighted avg")
	var b strings.Builder

	fmt.Fprintf(&b, "%*s  %9s %9s %9s %9s\n\n", width, "", "precision", "recall", "f1-score", "support")
	row := func(name string, s ClassStats) {
		fmt.Fprintf(&b, "%*s  %9.*f %9.*f %9.*f %9d\n", width, name, digits, s.Precision, digits, s.Recall, digits, s.F1, s.Support)
	}
	for _, l := range ev.Labels {
		row(strconv.Itoa(l), ev.Classes[l])
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%*s  %9s %9s %9.*f %9d\n", width, "accuracy", "", "", digits, ev.Accuracy, ev.Support)
	row("macro avg", ev.MacroAvg)
	row("weighted avg", ev.WeightedAvg)
	return b.String()
}
