package parser

import (
	log "github.com/sirupsen/logrus"

	"github.com/mandihq/mandi/catalog"
	"github.com/mandihq/mandi/ops"
)

// Input is one inbound message. Items is set on the image path and takes
// precedence over Text. Returning says whether the retailer has completed
// orders before, which shapes the greeting reply.
type Input struct {
	Channel    string
	RetailerID string
	Text       string
	Items      []ExtractedItem
	Returning  bool
}

// Parser classifies inbound messages against a catalog snapshot.
type Parser struct {
	resolver *catalog.Resolver
}

// New wraps |resolver|. Callers rebuild the resolver when the catalog
// changes; the Parser itself never mutates.
func New(resolver *catalog.Resolver) *Parser {
	return &Parser{resolver: resolver}
}

// Parse maps one inbound message to an Intent.
func (p *Parser) Parse(in Input) Intent {
	var intent Intent
	if len(in.Items) > 0 {
		var items, questions = p.resolveExtracted(in.Items)
		intent = assemble(items, questions, "")
	} else {
		intent = p.parseText(in)
	}

	ops.IntentsParsed.WithLabelValues(string(intent.Kind())).Inc()
	log.WithFields(log.Fields{
		"channel":  in.Channel,
		"retailer": in.RetailerID,
		"kind":     intent.Kind(),
	}).Debug("parsed inbound message")
	return intent
}

func (p *Parser) parseText(in Input) Intent {
	var kind, _ = classify(in.Text)
	switch kind {
	case KindStatusQuery:
		return StatusQuery{OrderNumber: orderNumber(in.Text)}
	case KindGreeting:
		return Greeting{Returning: in.Returning}
	case KindHelp:
		return Help{}
	case KindOrder:
		var items, questions = p.resolveCandidates(tokenize(in.Text))
		return assemble(items, questions, in.Text)
	default:
		return Unknown{Raw: in.Text}
	}
}

// assemble picks the order-shaped variant: any question forces
// clarification, no items at all means the message only looked like an
// order.
func assemble(items []Item, questions []Question, raw string) Intent {
	if len(questions) > 0 {
		return NeedsClarification{Partial: items, Questions: questions}
	}
	if len(items) == 0 {
		return Unknown{Raw: raw}
	}
	return Order{Items: items}
}
