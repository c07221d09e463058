package risk

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	wordRE = regexp.MustCompile(`\b\w+\b`)
	numRE  = regexp.MustCompile(`[-+]?\d*\.?\d+`)
	wsRE   = regexp.MustCompile(`\s+`)
)

// Marker sets for the tool-mismatch signal: the tool result indicates
// failure while the answer claims success.
var (
	failureMarkers = []string{"fail", "error", "declined", "denied", "timeout"}
	successMarkers = []string{"success", "completed", "done", "sent", "processed"}
)

func normalizeText(s string) string {
	return wsRE.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

// tokenize returns the case-folded word set of s with punctuation stripped.
func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range wordRE.FindAllString(normalizeText(s), -1) {
		out[w] = struct{}{}
	}
	return out
}

// jaccard computes set similarity. Two empty sets are identical (1.0);
// one empty set shares nothing with a non-empty one (0.0).
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 1.0
	}
	return float64(inter) / float64(union)
}

func clamp01(x float64) float64 {
	return math.Max(0.0, math.Min(1.0, x))
}

func ptr(x float64) *float64 { return &x }

// GroundingRisk is 1 - jaccard(answer, retrieved context), or absent when
// no context was retrieved.
func GroundingRisk(answer, retrievedContext string) *float64 {
	if retrievedContext == "" {
		return nil
	}
	return ptr(clamp01(1.0 - jaccard(tokenize(answer), tokenize(retrievedContext))))
}

// SelfConsistencyRisk is 1 - jaccard(primary, secondary answer), or absent
// when no secondary answer was sampled.
func SelfConsistencyRisk(answer, secondaryAnswer string) *float64 {
	if secondaryAnswer == "" {
		return nil
	}
	return ptr(clamp01(1.0 - jaccard(tokenize(answer), tokenize(secondaryAnswer))))
}

// VerifierRisk is 1 - verifier score, or absent when no verifier ran.
func VerifierRisk(verifierScore *float64) *float64 {
	if verifierScore == nil {
		return nil
	}
	return ptr(clamp01(1.0 - *verifierScore))
}

func extractNumbers(text string) []float64 {
	var out []float64
	for _, tok := range numRE.FindAllString(text, -1) {
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out
}

// NumericInstabilityRisk is the coefficient of variation (sample standard
// deviation over mean absolute value) of the numbers extracted from the
// answer(s), clipped to [0,1]. Absent when no numbers appear; zero when a
// single number appears or the mean is zero.
func NumericInstabilityRisk(answer, secondaryAnswer string) *float64 {
	nums := extractNumbers(answer)
	if secondaryAnswer != "" {
		nums = append(nums, extractNumbers(secondaryAnswer)...)
	}
	if len(nums) == 0 {
		return nil
	}
	if len(nums) < 2 {
		return ptr(0.0)
	}

	mean := 0.0
	for _, n := range nums {
		mean += n
	}
	mean /= float64(len(nums))
	if mean == 0 {
		return ptr(0.0)
	}

	variance := 0.0
	for _, n := range nums {
		d := n - mean
		variance += d * d
	}
	variance /= float64(len(nums) - 1)

	return ptr(clamp01(math.Sqrt(variance) / math.Abs(mean)))
}

// ToolMismatchRisk is 1.0 iff the tool result summary indicates failure
// while the answer claims success, 0.0 otherwise. Absent when no tool
// result summary is available.
func ToolMismatchRisk(answer, toolResultSummary string) *float64 {
	if toolResultSummary == "" {
		return nil
	}
	summary := normalizeText(toolResultSummary)
	ans := normalizeText(answer)

	toolFailed := containsAny(summary, failureMarkers)
	claimsSuccess := containsAny(ans, successMarkers)
	if toolFailed && claimsSuccess {
		return ptr(1.0)
	}
	return ptr(0.0)
}

// DriftRisk is 1.0 when the current normalized prompt hash differs from the
// stored baseline for the tool, 0.0 when it matches. Absent when no
// baseline exists.
func DriftRisk(baselineHash, currentHash string) *float64 {
	if baselineHash == "" {
		return nil
	}
	if baselineHash != currentHash {
		return ptr(1.0)
	}
	return ptr(0.0)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
