// Package parser turns raw inbound messages into structured intents. Text
// messages run through weighted regex classification and an item grammar;
// pre-extracted item lists from the image pipeline skip tokenization and
// enter at product resolution. The parser is deterministic and holds no
// state beyond a catalog snapshot.
package parser

import "github.com/mandihq/mandi/catalog"

// Kind names an intent variant.
type Kind string

const (
	KindOrder              Kind = "ORDER"
	KindNeedsClarification Kind = "NEEDS_CLARIFICATION"
	KindStatusQuery        Kind = "STATUS_QUERY"
	KindGreeting           Kind = "GREETING"
	KindHelp               Kind = "HELP"
	KindUnknown            Kind = "UNKNOWN"
)

// Intent is the tagged union returned by Parse. Callers type-switch on the
// concrete variant; Kind is for logging and metrics.
type Intent interface {
	Kind() Kind
}

// Item is a fully resolved order line.
type Item struct {
	ProductID string       `json:"product_id"`
	Name      string       `json:"name"`
	Quantity  int          `json:"quantity"`
	Unit      catalog.Unit `json:"unit"`
}

// QuestionKind names the clarification a line needs before it can become
// an order item.
type QuestionKind string

const (
	InvalidUnit      QuestionKind = "INVALID_UNIT"
	AmbiguousProduct QuestionKind = "AMBIGUOUS_PRODUCT"
	MissingQuantity  QuestionKind = "MISSING_QUANTITY"
	UnknownProduct   QuestionKind = "UNKNOWN_PRODUCT"
)

// Question is one clarification to send back to the retailer. Line is the
// input fragment that raised it; Options carries candidate product names
// for AMBIGUOUS_PRODUCT.
type Question struct {
	Kind    QuestionKind `json:"kind"`
	Line    string       `json:"line"`
	Text    string       `json:"text"`
	Options []string     `json:"options,omitempty"`
}

// Order is a message that resolved cleanly into order lines.
type Order struct {
	Items []Item `json:"items"`
}

// NeedsClarification is an order-shaped message with at least one
// unresolvable line. Partial holds the lines that did resolve.
type NeedsClarification struct {
	Partial   []Item     `json:"partial_items"`
	Questions []Question `json:"questions"`
}

// StatusQuery asks after an order. OrderNumber is empty when the message
// did not name one; callers fall back to the retailer's latest order.
type StatusQuery struct {
	OrderNumber string `json:"order_number"`
}

// Greeting is a bare salutation. Returning is true when the retailer has
// completed orders before, so the reply can skip the onboarding pitch.
type Greeting struct {
	Returning bool `json:"returning"`
}

// Help asks what the service can do.
type Help struct{}

// Unknown is anything the classifier could not place with confidence.
type Unknown struct {
	Raw string `json:"raw"`
}

func (Order) Kind() Kind              { return KindOrder }
func (NeedsClarification) Kind() Kind { return KindNeedsClarification }
func (StatusQuery) Kind() Kind        { return KindStatusQuery }
func (Greeting) Kind() Kind           { return KindGreeting }
func (Help) Kind() Kind               { return KindHelp }
func (Unknown) Kind() Kind            { return KindUnknown }
