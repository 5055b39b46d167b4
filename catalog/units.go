package catalog

import "strings"

// Unit is a canonical measurement unit for a product.
type Unit string

const (
	UnitKG     Unit = "kg"
	UnitG      Unit = "g"
	UnitL      Unit = "l"
	UnitML     Unit = "ml"
	UnitPiece  Unit = "piece"
	UnitPacket Unit = "packet"
	UnitCarton Unit = "carton"
)

// unitAliases maps the spellings retailers actually type onto canonical
// units. "dozen" is deliberately absent: it is handled as a multiplier,
// not a unit, by CanonicalizeUnit.
var unitAliases = map[string]Unit{
	"kg":        UnitKG,
	"kgs":       UnitKG,
	"kilo":      UnitKG,
	"kilos":     UnitKG,
	"kilogram":  UnitKG,
	"kilograms": UnitKG,
	"g":         UnitG,
	"gm":        UnitG,
	"gms":       UnitG,
	"gram":      UnitG,
	"grams":     UnitG,
	"l":         UnitL,
	"ltr":       UnitL,
	"ltrs":      UnitL,
	"litre":     UnitL,
	"litres":    UnitL,
	"liter":     UnitL,
	"liters":    UnitL,
	"ml":        UnitML,
	"mls":       UnitML,
	"pc":        UnitPiece,
	"pcs":       UnitPiece,
	"piece":     UnitPiece,
	"pieces":    UnitPiece,
	"unit":      UnitPiece,
	"units":     UnitPiece,
	"packet":    UnitPacket,
	"packets":   UnitPacket,
	"pkt":       UnitPacket,
	"pkts":      UnitPacket,
	"pack":      UnitPacket,
	"packs":     UnitPacket,
	"carton":    UnitCarton,
	"cartons":   UnitCarton,
	"ctn":       UnitCarton,
	"box":       UnitCarton,
	"boxes":     UnitCarton,
}

// CanonicalizeUnit resolves a raw unit token to its canonical unit and a
// quantity multiplier. "dozen" resolves to twelve pieces. ok is false for
// tokens that name no known unit.
func CanonicalizeUnit(raw string) (unit Unit, multiplier int, ok bool) {
	var token = strings.ToLower(strings.TrimSpace(raw))
	if token == "dozen" || token == "doz" || token == "dozens" {
		return UnitPiece, 12, true
	}
	if u, found := unitAliases[token]; found {
		return u, 1, true
	}
	return "", 0, false
}

// conversionFactor returns how many |to| units make one |from| unit, in
// thousandths, for the metric pairs the catalog supports. Discrete units
// (piece, packet, carton) never convert across one another.
func conversionFactor(from, to Unit) (perThousand int64, ok bool) {
	if from == to {
		return 1000, true
	}
	switch {
	case from == UnitG && to == UnitKG:
		return 1, true
	case from == UnitKG && to == UnitG:
		return 1_000_000, true
	case from == UnitML && to == UnitL:
		return 1, true
	case from == UnitL && to == UnitML:
		return 1_000_000, true
	}
	return 0, false
}

// ConvertQuantity re-expresses |qty| of |from| in |to| units. It fails when
// the units are unrelated, or when the conversion would leave a fractional
// quantity (400 g of a product sold by the kg).
func ConvertQuantity(qty int, from, to Unit) (int, bool) {
	var factor, ok = conversionFactor(from, to)
	if !ok {
		return 0, false
	}
	var scaled = int64(qty) * factor
	if scaled%1000 != 0 {
		return 0, false
	}
	return int(scaled / 1000), true
}
