package enrich

// PriceTable maps model names to their price per 1000 tokens in USD. It is
// used only for user-facing cost reporting, never for control flow.
type PriceTable struct {
	perThousand map[string]float64
	fallback    float64
}

// Default pricing covers the models commonly configured for enrichment runs.
// Override per deployment via NewPriceTable when provider pricing changes.
var defaultPrices = map[string]float64{
	"gemini-2.5-pro":   0.00125,
	"gemini-2.5-flash": 0.0003,
	"gemini-2.0-flash": 0.0001,
}

const defaultFallbackPrice = 0.001

// NewPriceTable builds a table from the given per-1k-token prices. A nil or
// empty map falls back to the built-in defaults.
func NewPriceTable(perThousand map[string]float64, fallback float64) *PriceTable {
	if len(perThousand) == 0 {
		perThousand = defaultPrices
	}
	if fallback <= 0 {
		fallback = defaultFallbackPrice
	}
	return &PriceTable{perThousand: perThousand, fallback: fallback}
}

// DefaultPriceTable returns a table with the built-in prices.
func DefaultPriceTable() *PriceTable {
	return NewPriceTable(nil, 0)
}

// Estimate returns the approximate cost in USD for the given token count.
// Unknown models use the fallback rate.
func (p *PriceTable) Estimate(tokens int, model string) float64 {
	rate, ok := p.perThousand[model]
	if !ok {
		rate = p.fallback
	}
	return float64(tokens) / 1000 * rate
}
