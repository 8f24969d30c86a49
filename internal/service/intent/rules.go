package intent

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/shinka-ai/shinka/internal/model"
)

// strongSQLPrefixes force the sql decision when they lead the query. No
// token scan, no bias: a statement is a statement.
var strongSQLPrefixes = map[string]bool{
	"select": true, "insert": true, "update": true, "delete": true,
	"with": true, "create": true, "drop": true, "alter": true, "explain": true,
}

var (
	sqlTokenRe      = regexp.MustCompile(`\b(from|where|join|group\s+by|order\s+by|limit)\b`)
	semanticTokenRe = regexp.MustCompile(`\b(similar|related|about|might|probably|seems|find|who|what)\b`)
	likeTokenRe     = regexp.MustCompile(`\blike\b`)

	// "show me" is a listing cue: it leans semantic but also signals a
	// projection the relational engine can serve, so it scores in both
	// sets and pulls mixed queries toward the hybrid path.
	showMeRe = regexp.MustCompile(`\bshow\s+me\b`)
)

const epsilon = 1e-9

// classifyRules is the deterministic tier. conceptRatio is the evolution
// bias; 0 disables it.
func classifyRules(query string, conceptRatio float64) model.Intent {
	q := strings.ToLower(strings.TrimSpace(query))

	if first := firstToken(q); strongSQLPrefixes[first] {
		return model.Intent{
			Decision:    model.DecisionSQL,
			Confidence:  1.0,
			Source:      model.IntentSourceRules,
			Explanation: fmt.Sprintf("query starts with SQL statement keyword %q", first),
		}
	}

	sqlHits := len(sqlTokenRe.FindAllString(q, -1))
	sqlHits += countComparisons(q)

	semHits := len(semanticTokenRe.FindAllString(q, -1))
	semHits += countSemanticLike(q)

	showMe := len(showMeRe.FindAllString(q, -1))
	semHits += showMe
	sqlHits += showMe

	s := float64(semHits) / (float64(sqlHits) + float64(semHits) + epsilon)

	// Evolution bias: inflate the semantic score by the concept ratio, then
	// renormalize against the sql score so the result stays a proportion.
	if conceptRatio > 0 {
		boosted := s * (1 + conceptRatio)
		s = boosted / (boosted + (1 - s))
	}

	intent := model.Intent{
		Source:       model.IntentSourceRules,
		SQLHits:      sqlHits,
		SemanticHits: semHits,
	}
	switch {
	case s >= 0.7:
		intent.Decision = model.DecisionSemantic
		intent.Confidence = s
		intent.Explanation = fmt.Sprintf("semantic cues dominate (%d semantic vs %d sql)", semHits, sqlHits)
	case s <= 0.3 && sqlHits >= 1:
		intent.Decision = model.DecisionSQL
		intent.Confidence = 1 - s
		intent.Explanation = fmt.Sprintf("sql cues dominate (%d sql vs %d semantic)", sqlHits, semHits)
	default:
		intent.Decision = model.DecisionHybrid
		intent.Confidence = 0.5 + math.Abs(s-0.5)
		intent.Explanation = fmt.Sprintf("mixed signals (%d sql, %d semantic), checking both layers", sqlHits, semHits)
	}
	return intent
}

// countComparisons counts comparison operators in the query. Two-character
// operators ("<=", ">=", "<>", "!=") score one hit, not one per character.
func countComparisons(q string) int {
	n := 0
	for i := 0; i < len(q); i++ {
		switch q[i] {
		case '=':
			n++
		case '<':
			n++
			if i+1 < len(q) && (q[i+1] == '=' || q[i+1] == '>') {
				i++
			}
		case '>':
			n++
			if i+1 < len(q) && q[i+1] == '=' {
				i++
			}
		case '!':
			if i+1 < len(q) && q[i+1] == '=' {
				n++
				i++
			}
		}
	}
	return n
}

// countSemanticLike counts "like" used as a comparison word. A "like"
// directly followed by a quoted literal is SQL's LIKE operator and does not
// score.
func countSemanticLike(q string) int {
	n := 0
	for _, loc := range likeTokenRe.FindAllStringIndex(q, -1) {
		rest := strings.TrimLeft(q[loc[1]:], " \t")
		if strings.HasPrefix(rest, "'") || strings.HasPrefix(rest, `"`) {
			continue
		}
		n++
	}
	return n
}

func firstToken(q string) string {
	for i, r := range q {
		if r == ' ' || r == '\t' || r == '\n' || r == '(' || r == ';' {
			return q[:i]
		}
	}
	return q
}
