package dispatch

// modelPricing holds USD per million tokens for the models the backend
// is expected to run. Unknown models cost out at zero rather than
// guessing.
var modelPricing = map[string]struct {
	input  float64
	output float64
}{
	"claude-sonnet-4-20250514":   {input: 3.00, output: 15.00},
	"claude-opus-4-20250514":     {input: 15.00, output: 75.00},
	"claude-3-5-sonnet-20241022": {input: 3.00, output: 15.00},
	"claude-3-5-haiku-20241022":  {input: 0.80, output: 4.00},
}

func calculateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := modelPricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)*p.input/1_000_000 + float64(outputTokens)*p.output/1_000_000
}
