package parser

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mandihq/mandi/catalog"
)

func testProducts() []catalog.Product {
	return []catalog.Product{
		{ID: "p-rice", Name: "Basmati Rice", Unit: catalog.UnitKG, Aliases: []string{"rice", "chawal"}},
		{ID: "p-oil", Name: "Sunflower Oil", Unit: catalog.UnitL, Aliases: []string{"oil"}},
		{ID: "p-eggs", Name: "Eggs", Unit: catalog.UnitPiece, Aliases: []string{"egg", "anda"}},
		{ID: "p-soap", Name: "Soap Bar", Unit: catalog.UnitPiece, Aliases: []string{"soap"}},
		{ID: "p-sugar", Name: "Sugar", Unit: catalog.UnitKG, Aliases: []string{"cheeni"}},
		{ID: "p-chilli-r", Name: "Red Chilli Powder", Unit: catalog.UnitG},
		{ID: "p-chilli-g", Name: "Green Chilli Powder", Unit: catalog.UnitG},
	}
}

func newTestParser() *Parser {
	return New(catalog.NewResolver(testProducts()))
}

func TestClassifyKinds(t *testing.T) {
	var p = newTestParser()
	var cases = []struct {
		text string
		kind Kind
	}{
		{"hi", KindGreeting},
		{"Good morning!", KindGreeting},
		{"help", KindHelp},
		{"How do I order?", KindHelp},
		{"order status", KindStatusQuery},
		{"Where is my order?", KindStatusQuery},
		{"need 5kg rice", KindOrder},
		{"hello, need 5kg rice", KindOrder},
		{"thanks a lot", KindUnknown},
		{"", KindUnknown},
	}
	for _, tc := range cases {
		require.Equal(t, tc.kind, p.Parse(Input{Text: tc.text}).Kind(), "text %q", tc.text)
	}
}

func TestParseOrder(t *testing.T) {
	var p = newTestParser()
	var intent = p.Parse(Input{Text: "I need 5kg rice and 2 litre oil"})

	var order, ok = intent.(Order)
	require.True(t, ok)
	require.Equal(t, []Item{
		{ProductID: "p-rice", Name: "Basmati Rice", Quantity: 5, Unit: catalog.UnitKG},
		{ProductID: "p-oil", Name: "Sunflower Oil", Quantity: 2, Unit: catalog.UnitL},
	}, order.Items)
}

func TestParseOrderWhitespaceAndCase(t *testing.T) {
	var p = newTestParser()
	var intent = p.Parse(Input{Text: "  PLEASE SEND 10KG CHAWAL  "})

	var order, ok = intent.(Order)
	require.True(t, ok)
	require.Len(t, order.Items, 1)
	require.Equal(t, "p-rice", order.Items[0].ProductID)
	require.Equal(t, 10, order.Items[0].Quantity)
	require.Equal(t, catalog.UnitKG, order.Items[0].Unit)
}

func TestParseOrderDozenExpansion(t *testing.T) {
	var p = newTestParser()
	var intent = p.Parse(Input{Text: "2 dozen eggs"})

	var order, ok = intent.(Order)
	require.True(t, ok)
	require.Equal(t, []Item{
		{ProductID: "p-eggs", Name: "Eggs", Quantity: 24, Unit: catalog.UnitPiece},
	}, order.Items)
}

func TestParseOrderLineShapes(t *testing.T) {
	var p = newTestParser()

	// name N unit, name N with the product's default unit, and N x name.
	var intent = p.Parse(Input{Text: "rice 5kg, soap 3, 2 x eggs"})
	var order, ok = intent.(Order)
	require.True(t, ok)
	require.Equal(t, []Item{
		{ProductID: "p-rice", Name: "Basmati Rice", Quantity: 5, Unit: catalog.UnitKG},
		{ProductID: "p-soap", Name: "Soap Bar", Quantity: 3, Unit: catalog.UnitPiece},
		{ProductID: "p-eggs", Name: "Eggs", Quantity: 2, Unit: catalog.UnitPiece},
	}, order.Items)

	// Unit words never swallow the front of a multi-word product name.
	intent = p.Parse(Input{Text: "need 5 basmati rice"})
	order, ok = intent.(Order)
	require.True(t, ok)
	require.Equal(t, "p-rice", order.Items[0].ProductID)
	require.Equal(t, 5, order.Items[0].Quantity)
}

func TestParseOrderMergesRepeatedProduct(t *testing.T) {
	var p = newTestParser()
	var intent = p.Parse(Input{Text: "5kg rice, 3kg rice"})

	var order, ok = intent.(Order)
	require.True(t, ok)
	require.Len(t, order.Items, 1)
	require.Equal(t, 8, order.Items[0].Quantity)
}

func TestParseOrderUnitConversion(t *testing.T) {
	var p = newTestParser()

	// Grams convert to whole kilograms.
	var intent = p.Parse(Input{Text: "need 2000g rice"})
	var order, ok = intent.(Order)
	require.True(t, ok)
	require.Equal(t, 2, order.Items[0].Quantity)
	require.Equal(t, catalog.UnitKG, order.Items[0].Unit)

	// A fractional conversion cannot become an order line.
	intent = p.Parse(Input{Text: "need 500g rice"})
	var nc NeedsClarification
	nc, ok = intent.(NeedsClarification)
	require.True(t, ok)
	require.Len(t, nc.Questions, 1)
	require.Equal(t, InvalidUnit, nc.Questions[0].Kind)
}

func TestParseClarifications(t *testing.T) {
	var p = newTestParser()

	// Unknown product keeps the resolved line as a partial item.
	var intent = p.Parse(Input{Text: "need 5kg rice and 2kg cement"})
	var nc, ok = intent.(NeedsClarification)
	require.True(t, ok)
	require.Len(t, nc.Partial, 1)
	require.Len(t, nc.Questions, 1)
	require.Equal(t, UnknownProduct, nc.Questions[0].Kind)

	// Unknown unit in the name-first shape.
	intent = p.Parse(Input{Text: "need 5kg rice and oil 2 bottles"})
	nc, ok = intent.(NeedsClarification)
	require.True(t, ok)
	require.Equal(t, InvalidUnit, nc.Questions[0].Kind)
	require.Contains(t, nc.Questions[0].Text, "bottles")

	// Ambiguous product offers the candidates.
	intent = p.Parse(Input{Text: "need 200g chilli powder"})
	nc, ok = intent.(NeedsClarification)
	require.True(t, ok)
	require.Equal(t, AmbiguousProduct, nc.Questions[0].Kind)
	require.ElementsMatch(t, []string{"Red Chilli Powder", "Green Chilli Powder"}, nc.Questions[0].Options)

	// A bare product name asks for the quantity.
	intent = p.Parse(Input{Text: "need 5kg sugar and rice"})
	nc, ok = intent.(NeedsClarification)
	require.True(t, ok)
	require.Equal(t, MissingQuantity, nc.Questions[0].Kind)
	require.Contains(t, nc.Questions[0].Text, "Basmati Rice")
}

func TestParseOrderShapedNoise(t *testing.T) {
	var p = newTestParser()

	// Classified as an order but nothing resolves into a line or question.
	var intent = p.Parse(Input{Text: "need 5 somethings"})
	require.Equal(t, KindNeedsClarification, intent.Kind())

	intent = p.Parse(Input{Text: "I want to order"})
	require.Equal(t, KindUnknown, intent.Kind())
}

func TestParseStatusQuery(t *testing.T) {
	var p = newTestParser()

	var intent = p.Parse(Input{Text: "what's the status of order ord-20250309-ab12cd34?"})
	var q, ok = intent.(StatusQuery)
	require.True(t, ok)
	require.Equal(t, "ORD-20250309-AB12CD34", q.OrderNumber)

	// No order number falls back to empty; callers use the latest order.
	intent = p.Parse(Input{Text: "where is my order"})
	q, ok = intent.(StatusQuery)
	require.True(t, ok)
	require.Empty(t, q.OrderNumber)
}

func TestParseGreetingReturning(t *testing.T) {
	var p = newTestParser()

	var g, ok = p.Parse(Input{Text: "namaste", Returning: true}).(Greeting)
	require.True(t, ok)
	require.True(t, g.Returning)

	g, ok = p.Parse(Input{Text: "hello"}).(Greeting)
	require.True(t, ok)
	require.False(t, g.Returning)
}

func TestParseExtractedItems(t *testing.T) {
	var p = newTestParser()

	var intent = p.Parse(Input{Items: []ExtractedItem{
		{Name: "basmati rice", Quantity: 10, Unit: "kg", Confidence: 0.95},
		{Name: "oil", Quantity: 2, Unit: "ltr", Confidence: 0.9},
	}})
	var order, ok = intent.(Order)
	require.True(t, ok)
	require.Equal(t, []Item{
		{ProductID: "p-rice", Name: "Basmati Rice", Quantity: 10, Unit: catalog.UnitKG},
		{ProductID: "p-oil", Name: "Sunflower Oil", Quantity: 2, Unit: catalog.UnitL},
	}, order.Items)

	// Items take precedence over any caption text.
	intent = p.Parse(Input{Text: "hi", Items: []ExtractedItem{
		{Name: "soap", Quantity: 4, Unit: "", Confidence: 1},
	}})
	require.Equal(t, KindOrder, intent.Kind())
}

func TestParseExtractedLowConfidence(t *testing.T) {
	var p = newTestParser()

	var intent = p.Parse(Input{Items: []ExtractedItem{
		{Name: "basmati rice", Quantity: 10, Unit: "kg", Confidence: 0.95},
		{Name: "sm4dged l1ne", Quantity: 1, Unit: "", Confidence: 0.2},
	}})
	var nc, ok = intent.(NeedsClarification)
	require.True(t, ok)
	require.Len(t, nc.Partial, 1)
	require.Len(t, nc.Questions, 1)
	require.Equal(t, UnknownProduct, nc.Questions[0].Kind)
	require.Contains(t, nc.Questions[0].Text, "clearly")
}

func TestTokenizeShapes(t *testing.T) {
	var cases = []struct {
		line string
		want candidate
	}{
		{"5kg rice", candidate{qty: 5, rawUnit: "kg", rawName: "rice"}},
		{"5 kg rice", candidate{qty: 5, rawUnit: "kg", rawName: "rice"}},
		{"5 basmati rice", candidate{qty: 5, rawName: "basmati rice"}},
		{"rice 5kg", candidate{rawName: "rice", qty: 5, rawUnit: "kg"}},
		{"soap 3", candidate{rawName: "soap", qty: 3}},
		{"2 x soap", candidate{qty: 2, rawName: "soap"}},
		{"please send 3 packets sugar", candidate{qty: 3, rawUnit: "packets", rawName: "sugar"}},
		{"we need 10 kg chawal", candidate{qty: 10, rawUnit: "kg", rawName: "chawal"}},
	}
	for _, tc := range cases {
		var got = tokenize(tc.line)
		require.Len(t, got, 1, "line %q", tc.line)
		tc.want.line = got[0].line
		require.Equal(t, tc.want, got[0], "line %q", tc.line)
	}
}

func TestTokenizeDropsNoise(t *testing.T) {
	require.Empty(t, tokenize("please"))
	require.Empty(t, tokenize(""))

	// Plain chatter survives tokenization only as a qty-less candidate,
	// which resolution later drops.
	var p = newTestParser()
	var items, questions = p.resolveCandidates(tokenize("ok great thanks"))
	require.Empty(t, items)
	require.Empty(t, questions)
}
