package parser

import (
	"regexp"
	"strings"
)

// ClarifyThreshold is the minimum classification confidence; anything below
// it is returned as Unknown rather than guessed at.
const ClarifyThreshold = 50

// orderNumberPattern matches order numbers as minted by the order store.
var orderNumberPattern = regexp.MustCompile(`(?i)\b(ord-\d{8}-[a-z0-9]{8})\b`)

// unitWords is every unit spelling the item grammar accepts, as a regex
// alternation. Kept in sync with the catalog alias table.
const unitWords = `kg|kgs|kilo|kilos|kilogram|kilograms|g|gm|gms|gram|grams|` +
	`l|ltr|ltrs|litre|litres|liter|liters|ml|mls|pc|pcs|piece|pieces|unit|units|` +
	`packet|packets|pkt|pkts|pack|packs|carton|cartons|ctn|box|boxes|dozen|doz|dozens`

// weighted is one classification signal. Matching adds weight to the
// category's confidence; confidences cap at 100.
type weighted struct {
	re     *regexp.Regexp
	weight int
}

// category is one intent class with its signals and tie-break priority.
// Higher priority wins when two categories score the same.
type category struct {
	kind     Kind
	priority int
	patterns []weighted
}

var categories = []category{
	{
		kind:     KindStatusQuery,
		priority: 4,
		patterns: []weighted{
			{regexp.MustCompile(`(?i)\border\s+status\b|\bstatus\s+of\b`), 70},
			{regexp.MustCompile(`(?i)\bwhere\s+is\b.*\border\b`), 70},
			{regexp.MustCompile(`(?i)\btrack(ing)?\b`), 50},
			{regexp.MustCompile(`(?i)\bstatus\b`), 50},
			{orderNumberPattern, 90},
			{regexp.MustCompile(`(?i)\bmy\s+(last\s+)?order\b`), 30},
		},
	},
	{
		kind:     KindOrder,
		priority: 3,
		patterns: []weighted{
			{regexp.MustCompile(`(?i)\b\d+\s*(` + unitWords + `)\b`), 55},
			{regexp.MustCompile(`(?i)\b(need|want|order|send|buy|deliver|require|get\s+me|give\s+me)\b`), 35},
			{regexp.MustCompile(`(?i)\b(need|want|order|send|buy|deliver|require|get\s+me|give\s+me)\b.*\d`), 30},
			{regexp.MustCompile(`(?i)\b\d+\s*x\s+\S+`), 55},
			{regexp.MustCompile(`(?im)^\s*\d+\s`), 25},
		},
	},
	{
		kind:     KindHelp,
		priority: 2,
		patterns: []weighted{
			{regexp.MustCompile(`(?i)^\s*(help|menu|options?)\s*[!.?]*\s*$`), 95},
			{regexp.MustCompile(`(?i)\bhow\s+(do|can|to)\b.*\b(order|work)\b`), 70},
			{regexp.MustCompile(`(?i)\bwhat\s+can\s+(you|i)\b`), 70},
		},
	},
	{
		kind:     KindGreeting,
		priority: 1,
		patterns: []weighted{
			{regexp.MustCompile(`(?i)^\s*(hi+|hello|hey|namaste|namaskar|good\s+(morning|afternoon|evening))[\s!,.]*$`), 90},
			{regexp.MustCompile(`(?i)^\s*(hi+|hello|hey|namaste)\b`), 40},
		},
	},
}

// classify scores the text against every category and returns the winning
// kind with its confidence. Ties go to the higher-priority category.
func classify(text string) (Kind, int) {
	var bestKind = KindUnknown
	var bestScore, bestPriority int
	for _, c := range categories {
		var score int
		for _, p := range c.patterns {
			if p.re.MatchString(text) {
				score += p.weight
			}
		}
		if score > 100 {
			score = 100
		}
		if score > bestScore || (score == bestScore && c.priority > bestPriority) {
			bestKind, bestScore, bestPriority = c.kind, score, c.priority
		}
	}
	if bestScore < ClarifyThreshold {
		return KindUnknown, bestScore
	}
	return bestKind, bestScore
}

// orderNumber pulls the first order number out of the text, if any.
func orderNumber(text string) string {
	var m = orderNumberPattern.FindString(text)
	if m == "" {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(m))
}
