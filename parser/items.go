package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mandihq/mandi/catalog"
)

// ItemConfidence is the floor for accepting a pre-extracted item as-is.
// Lines below it become clarification questions instead of order lines.
const ItemConfidence = 0.6

// segmentPattern splits free text into candidate item lines. Retailers
// separate items with newlines, commas, "and", or not at all.
var segmentPattern = regexp.MustCompile(`(?i)\s*(?:,|;|\r?\n|\band\b|&|\+)\s*`)

// fillerPattern strips conversational lead-ins ("please send me ...") so
// the anchored grammar sees just the (quantity, unit, product) triple.
var fillerPattern = regexp.MustCompile(
	`(?i)^\s*(?:please\b\s*|pls\b\s*|plz\b\s*)?(?:i\b\s*|we\b\s*)?(?:need\b|want\b|order\b|send\b|buy\b|deliver\b|require\b|get\s+me\b|give\s+me\b)?\s*:?\s*`)

// The three accepted line shapes. The leading-quantity form restricts the
// unit token to known spellings so "5 basmati rice" keeps "basmati" in the
// product name; the trailing form captures any token, since a word after
// the quantity can only be a unit there.
var (
	lineQtyXName    = regexp.MustCompile(`(?i)^(\d+)\s*[x×]\s+(.+)$`)
	lineQtyUnitName = regexp.MustCompile(`(?i)^(\d+)\s*(?:(` + unitWords + `)\b\.?)?\s*(.+)$`)
	lineNameQtyUnit = regexp.MustCompile(`^(.+?)\s+(\d+)\s*([a-zA-Z]+)?\.?\s*$`)
)

// candidate is one tokenized line before unit and product resolution.
type candidate struct {
	line    string
	rawName string
	rawUnit string
	qty     int
}

// tokenize splits |text| into candidates. Lines matching no shape are
// dropped unless the whole line names a product, which becomes a
// missing-quantity question downstream (qty 0 marks that case).
func tokenize(text string) []candidate {
	var out []candidate
	for _, seg := range segmentPattern.Split(text, -1) {
		var line = strings.Trim(strings.TrimSpace(seg), ".!?")
		if line == "" {
			continue
		}
		var stripped = fillerPattern.ReplaceAllString(line, "")
		if stripped == "" {
			continue
		}
		if m := lineQtyXName.FindStringSubmatch(stripped); m != nil {
			out = append(out, candidate{line: line, qty: atoi(m[1]), rawName: m[2]})
			continue
		}
		if m := lineQtyUnitName.FindStringSubmatch(stripped); m != nil {
			out = append(out, candidate{line: line, qty: atoi(m[1]), rawUnit: m[2], rawName: m[3]})
			continue
		}
		if m := lineNameQtyUnit.FindStringSubmatch(stripped); m != nil {
			out = append(out, candidate{line: line, rawName: m[1], qty: atoi(m[2]), rawUnit: m[3]})
			continue
		}
		out = append(out, candidate{line: line, rawName: stripped})
	}
	return out
}

func atoi(s string) int {
	var n, _ = strconv.Atoi(s)
	return n
}

// resolveCandidates turns tokenized lines into order items, accumulating a
// clarification question for every line that cannot resolve. Lines with no
// quantity that also fail product resolution are dropped as noise.
func (p *Parser) resolveCandidates(cands []candidate) ([]Item, []Question) {
	var items []Item
	var questions []Question
	for _, c := range cands {
		var unit catalog.Unit
		var multiplier = 1
		if c.rawUnit != "" {
			var u, m, ok = catalog.CanonicalizeUnit(c.rawUnit)
			if !ok {
				questions = append(questions, Question{
					Kind: InvalidUnit,
					Line: c.line,
					Text: fmt.Sprintf("We don't recognize the unit %q in %q.", c.rawUnit, c.line),
				})
				continue
			}
			unit, multiplier = u, m
		}

		var match, ok = p.resolver.Resolve(c.rawName)
		if !ok {
			if c.qty == 0 {
				continue // noise line, not order-shaped
			}
			questions = append(questions, Question{
				Kind: UnknownProduct,
				Line: c.line,
				Text: fmt.Sprintf("We couldn't find %q in the catalog.", c.rawName),
			})
			continue
		}
		if len(match.Ambiguous) > 0 {
			var options = make([]string, len(match.Ambiguous))
			for i, prod := range match.Ambiguous {
				options[i] = prod.Name
			}
			questions = append(questions, Question{
				Kind:    AmbiguousProduct,
				Line:    c.line,
				Text:    fmt.Sprintf("Did you mean %s?", strings.Join(options, " or ")),
				Options: options,
			})
			continue
		}

		var product = match.Product
		if c.qty <= 0 {
			questions = append(questions, Question{
				Kind: MissingQuantity,
				Line: c.line,
				Text: fmt.Sprintf("How much %s do you need?", product.Name),
			})
			continue
		}

		var qty = c.qty * multiplier
		if unit == "" {
			unit = product.Unit
		} else if unit != product.Unit {
			var converted, convOK = catalog.ConvertQuantity(qty, unit, product.Unit)
			if !convOK {
				questions = append(questions, Question{
					Kind: InvalidUnit,
					Line: c.line,
					Text: fmt.Sprintf("%s is sold by the %s. How many %s do you need?",
						product.Name, product.Unit, product.Unit),
				})
				continue
			}
			qty, unit = converted, product.Unit
		}
		items = mergeItem(items, Item{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  qty,
			Unit:      unit,
		})
	}
	return items, questions
}

// mergeItem folds repeated mentions of the same product into one line.
func mergeItem(items []Item, it Item) []Item {
	for i := range items {
		if items[i].ProductID == it.ProductID && items[i].Unit == it.Unit {
			items[i].Quantity += it.Quantity
			return items
		}
	}
	return append(items, it)
}

// ExtractedItem is one line from the image extraction pipeline. Name and
// Unit are raw strings as read from the document; Confidence is the
// extractor's own 0..1 estimate.
type ExtractedItem struct {
	Name       string  `json:"name"`
	Quantity   int     `json:"quantity"`
	Unit       string  `json:"unit"`
	Confidence float64 `json:"confidence"`
}

// resolveExtracted runs pre-extracted items through unit and product
// resolution, bypassing tokenization. Low-confidence lines turn into
// clarification questions rather than silently entering the order.
func (p *Parser) resolveExtracted(extracted []ExtractedItem) ([]Item, []Question) {
	var cands []candidate
	var questions []Question
	for _, e := range extracted {
		var line = strings.TrimSpace(e.Name)
		if line == "" {
			continue
		}
		if e.Confidence < ItemConfidence {
			questions = append(questions, Question{
				Kind: UnknownProduct,
				Line: line,
				Text: fmt.Sprintf("We couldn't read %q clearly. Could you confirm the product and quantity?", line),
			})
			continue
		}
		cands = append(cands, candidate{
			line:    line,
			rawName: e.Name,
			rawUnit: strings.TrimSpace(e.Unit),
			qty:     e.Quantity,
		})
	}
	var items, more = p.resolveCandidates(cands)
	return items, append(questions, more...)
}
