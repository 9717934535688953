package classify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vburojevic/agw/internal/domain"
)

// Fixed per-branch confidences. These are observability output only; the
// branch order below, not confidence, decides the classification.
const (
	confidenceRateLimit = 0.90
	confidenceCompleted = 0.95
	confidenceContext   = 0.85
	confidenceUserExit  = 0.80
	confidenceUnknown   = 0.50
)

var (
	rateLimitMarkers = []string{"429", "rate limit", "too many requests", "throttle"}
	contextMarkers   = []string{"context length exceeded", "token limit", "context window exceeded"}
	errorMarkers     = []string{"error", "exception", "failed", "panic", "crash"}

	// Retry-After sources, in priority order: header-like field, JSON body
	// field, free-text duration.
	retryHeaderRe = regexp.MustCompile(`(?i)retry-after:\s*(\d+)`)
	retryJSONRe   = regexp.MustCompile(`(?i)"retry_after(?:_secs)?"\s*:\s*"?(\d+)"?`)
	retryTextRe   = regexp.MustCompile(`(?i)retry (?:in|after)\s+(\d+)\s*(seconds?|secs?|s|minutes?|mins?|m)?\b`)

	// Token usage: "used 150000 of 200000 tokens" or "150000/200000 tokens".
	tokensUsedOfRe = regexp.MustCompile(`(?i)used\s+([\d,]+)\s+of\s+([\d,]+)\s+tokens`)
	tokensSlashRe  = regexp.MustCompile(`(?i)([\d,]+)\s*/\s*([\d,]+)\s+tokens`)
	tokensBareRe   = regexp.MustCompile(`(?i)([\d,]+)\s+tokens`)

	// Exit commands are matched as whole prompt lines, optionally prefixed
	// by a prompt marker.
	exitCommandRe = regexp.MustCompile(`(?im)^\s*(?:[>$#]\s*)?(exit|quit|/bye|goodbye)\s*$`)
)

// Known model-family context sizes, used to infer a total token count when
// the content reports only usage.
var modelContextSizes = []struct {
	family string
	tokens int
}{
	{"claude", 200000},
	{"gpt", 128000},
	{"gemini", 1000000},
}

// Signal exit codes, POSIX 128+signal convention.
var signalExits = map[int]domain.ExitType{
	130: domain.ExitInterrupt,
	143: domain.ExitTerminate,
	129: domain.ExitHangup,
}

// Classifier assigns a stop reason to a halted session. Classification is
// total: it always produces a result, defaulting to Unknown.
type Classifier struct {
	log *zap.SugaredLogger
}

// New creates a classifier.
func New(log *zap.SugaredLogger) *Classifier {
	return &Classifier{log: log}
}

// Classify inspects the session's recent content and exit code. The branch
// order is fixed and earlier branches win even when a later one would also
// match: rate limit, completion, context exhaustion, user exit, unknown.
func (c *Classifier) Classify(content string, sess *domain.Session, exitCode *int) domain.ClassificationResult {
	lower := strings.ToLower(content)

	if result, ok := c.classifyRateLimit(content, lower); ok {
		return result
	}
	if result, ok := c.classifyCompleted(sess); ok {
		return result
	}
	if result, ok := c.classifyContextExhausted(content, lower, sess); ok {
		return result
	}
	if result, ok := c.classifyUserExit(content, lower, exitCode); ok {
		return result
	}

	detail := "no stop markers matched"
	if exitCode != nil {
		detail = fmt.Sprintf("no stop markers matched, exit code %d", *exitCode)
	}
	c.log.Debugw("classification fell through to unknown", "detail", detail)
	return domain.ClassificationResult{
		Reason:     domain.UnknownStop(detail),
		Confidence: confidenceUnknown,
		Evidence:   []string{detail},
	}
}

func (c *Classifier) classifyRateLimit(content, lower string) (domain.ClassificationResult, bool) {
	matched := lo.Filter(rateLimitMarkers, func(m string, _ int) bool {
		return strings.Contains(lower, m)
	})
	if len(matched) == 0 {
		return domain.ClassificationResult{}, false
	}

	evidence := []string{fmt.Sprintf("rate limit markers: %s", strings.Join(matched, ", "))}
	retryAfter := extractRetryAfter(content)
	if retryAfter != nil {
		evidence = append(evidence, fmt.Sprintf("retry-after hint: %s", *retryAfter))
	}

	return domain.ClassificationResult{
		Reason:     domain.RateLimited(retryAfter),
		Confidence: confidenceRateLimit,
		Evidence:   evidence,
	}, true
}

func (c *Classifier) classifyCompleted(sess *domain.Session) (domain.ClassificationResult, bool) {
	if !sess.Complete() {
		return domain.ClassificationResult{}, false
	}
	return domain.ClassificationResult{
		Reason:     domain.Completed(),
		Confidence: confidenceCompleted,
		Evidence:   []string{`session status is "complete"`},
	}, true
}

func (c *Classifier) classifyContextExhausted(content, lower string, sess *domain.Session) (domain.ClassificationResult, bool) {
	matched := lo.Filter(contextMarkers, func(m string, _ int) bool {
		return strings.Contains(lower, m)
	})
	if len(matched) == 0 {
		return domain.ClassificationResult{}, false
	}

	evidence := []string{fmt.Sprintf("context markers: %s", strings.Join(matched, ", "))}
	used, total := extractTokenCounts(content)
	if used > 0 && total == 0 {
		if inferred, family := inferContextSize(lower, sess); inferred > 0 {
			total = inferred
			evidence = append(evidence, fmt.Sprintf("total inferred from %s model family: %d", family, inferred))
		}
	}
	if used > 0 {
		evidence = append(evidence, fmt.Sprintf("token usage: %d of %d", used, total))
	}

	return domain.ClassificationResult{
		Reason:     domain.ContextExhausted(used, total),
		Confidence: confidenceContext,
		Evidence:   evidence,
	}, true
}

func (c *Classifier) classifyUserExit(content, lower string, exitCode *int) (domain.ClassificationResult, bool) {
	if exitCode != nil {
		if exitType, ok := signalExits[*exitCode]; ok {
			return domain.ClassificationResult{
				Reason:     domain.UserExit(exitType, exitCode),
				Confidence: confidenceUserExit,
				Evidence:   []string{fmt.Sprintf("exit code %d (%s)", *exitCode, exitType)},
			}, true
		}
	}

	if m := exitCommandRe.FindStringSubmatch(content); m != nil {
		return domain.ClassificationResult{
			Reason:     domain.UserExit(domain.ExitCommand, exitCode),
			Confidence: confidenceUserExit,
			Evidence:   []string{fmt.Sprintf("exit command %q in tail content", m[1])},
		}, true
	}

	// A clean zero exit counts as a user exit only when the tail content
	// carries no error markers.
	if exitCode != nil && *exitCode == 0 {
		hasError := lo.SomeBy(errorMarkers, func(m string) bool {
			return strings.Contains(lower, m)
		})
		if !hasError {
			return domain.ClassificationResult{
				Reason:     domain.UserExit(domain.ExitClean, exitCode),
				Confidence: confidenceUserExit,
				Evidence:   []string{"clean exit code 0 with no error markers"},
			}, true
		}
	}

	return domain.ClassificationResult{}, false
}

// extractRetryAfter tries the header-like field, then a JSON body field,
// then a free-text duration, in that order.
func extractRetryAfter(content string) *time.Duration {
	if m := retryHeaderRe.FindStringSubmatch(content); m != nil {
		return secondsPtr(m[1])
	}
	if m := retryJSONRe.FindStringSubmatch(content); m != nil {
		return secondsPtr(m[1])
	}
	if m := retryTextRe.FindStringSubmatch(content); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil
		}
		d := time.Duration(n) * time.Second
		if unit := strings.ToLower(m[2]); strings.HasPrefix(unit, "m") {
			d = time.Duration(n) * time.Minute
		}
		return &d
	}
	return nil
}

func secondsPtr(digits string) *time.Duration {
	n, err := strconv.Atoi(digits)
	if err != nil {
		return nil
	}
	d := time.Duration(n) * time.Second
	return &d
}

// extractTokenCounts pulls used/total token counts from content. Returns
// zeros for anything it cannot determine.
func extractTokenCounts(content string) (used, total int) {
	if m := tokensUsedOfRe.FindStringSubmatch(content); m != nil {
		return parseCount(m[1]), parseCount(m[2])
	}
	if m := tokensSlashRe.FindStringSubmatch(content); m != nil {
		return parseCount(m[1]), parseCount(m[2])
	}
	if m := tokensBareRe.FindStringSubmatch(content); m != nil {
		return parseCount(m[1]), 0
	}
	return 0, 0
}

func parseCount(digits string) int {
	n, err := strconv.Atoi(strings.ReplaceAll(digits, ",", ""))
	if err != nil {
		return 0
	}
	return n
}

// inferContextSize guesses the total context size from a model-family name
// appearing in the content or the session metadata.
func inferContextSize(lower string, sess *domain.Session) (int, string) {
	haystack := lower
	if sess != nil {
		if model, ok := sess.State.Extra["model"].(string); ok {
			haystack += " " + strings.ToLower(model)
		}
	}
	for _, m := range modelContextSizes {
		if strings.Contains(haystack, m.family) {
			return m.tokens, m.family
		}
	}
	return 0, ""
}
