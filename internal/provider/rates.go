package provider

import "strings"

// Rate prices one model in USD per million tokens.
type Rate struct {
	InputPerMTok      float64 `yaml:"input_per_mtok"`
	OutputPerMTok     float64 `yaml:"output_per_mtok"`
	CacheReadPerMTok  float64 `yaml:"cache_read_per_mtok"`
	CacheWritePerMTok float64 `yaml:"cache_write_per_mtok"`
}

// RateTable maps "provider/model" (or a bare provider id as fallback) to its
// rate. An unknown pair prices at zero rather than failing the session.
type RateTable map[string]Rate

func (t RateTable) Cost(providerID, model string, usage Usage) float64 {
	rate, ok := t.lookup(providerID, model)
	if !ok {
		return 0
	}
	const mtok = 1_000_000
	return float64(usage.InputTokens)*rate.InputPerMTok/mtok +
		float64(usage.OutputTokens)*rate.OutputPerMTok/mtok +
		float64(usage.CacheReadTokens)*rate.CacheReadPerMTok/mtok +
		float64(usage.CacheWriteTokens)*rate.CacheWritePerMTok/mtok
}

func (t RateTable) lookup(providerID, model string) (Rate, bool) {
	if len(t) == 0 {
		return Rate{}, false
	}
	providerID = normalizeID(providerID)
	model = normalizeID(model)
	if model != "" {
		if rate, ok := t[providerID+"/"+model]; ok {
			return rate, true
		}
	}
	rate, ok := t[providerID]
	return rate, ok
}

// NormalizeRateTable canonicalizes keys so config casing never matters.
func NormalizeRateTable(t RateTable) RateTable {
	if len(t) == 0 {
		return t
	}
	out := make(RateTable, len(t))
	for key, rate := range t {
		out[strings.ToLower(strings.TrimSpace(key))] = rate
	}
	return out
}
