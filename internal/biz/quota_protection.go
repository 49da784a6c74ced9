package biz

import (
	"slices"
	"sort"

	"ProxyLane/internal/conf"
)

// QuotaProtectionConfig keeps a reserve of quota on monitored models.
type QuotaProtectionConfig struct {
	Enabled             bool
	ThresholdPercentage int
	MonitoredModels     []string
	// RelaxOnExhaustion lets protected accounts serve when nothing else can.
	RelaxOnExhaustion bool
}

// DefaultQuotaProtectionConfig returns protection switched off with a 10% reserve.
func DefaultQuotaProtectionConfig() QuotaProtectionConfig {
	return QuotaProtectionConfig{
		ThresholdPercentage: 10,
		MonitoredModels:     []string{"claude-sonnet-4-5", "gemini-3-pro-high", "gemini-3-flash", "gemini-3-pro-image"},
		RelaxOnExhaustion:   true,
	}
}

// NewQuotaProtectionConfig converts the quota protection configuration section.
func NewQuotaProtectionConfig(c *conf.Pool) QuotaProtectionConfig {
	cfg := DefaultQuotaProtectionConfig()
	if c == nil || c.QuotaProtection == nil {
		return cfg
	}
	q := c.QuotaProtection
	cfg.Enabled = q.Enabled
	cfg.ThresholdPercentage = q.ThresholdPercentage
	cfg.RelaxOnExhaustion = q.RelaxOnExhaustion
	if len(q.MonitoredModels) > 0 {
		cfg.MonitoredModels = q.MonitoredModels
	}
	return cfg.normalized()
}

func (c QuotaProtectionConfig) normalized() QuotaProtectionConfig {
	models := make([]string, 0, len(c.MonitoredModels))
	for _, m := range c.MonitoredModels {
		if m = normalizeModel(m); m != "" && !slices.Contains(models, m) {
			models = append(models, m)
		}
	}
	c.MonitoredModels = models
	return c
}

func (c QuotaProtectionConfig) monitors(model string) bool {
	return slices.Contains(c.MonitoredModels, normalizeModel(model))
}

// ProtectedModelsFor lists the monitored models whose remaining quota is
// below the threshold in q.
func (c QuotaProtectionConfig) ProtectedModelsFor(q *QuotaSnapshot) []string {
	if q == nil {
		return nil
	}
	var out []string
	for name, mq := range q.Models {
		if c.monitors(name) && mq.Percentage < c.ThresholdPercentage {
			out = append(out, normalizeModel(name))
		}
	}
	sort.Strings(out)
	return out
}

// Blocks reports whether protection keeps acc away from model.
func (c QuotaProtectionConfig) Blocks(acc *AccountRecord, model string) bool {
	if !c.Enabled || model == "" {
		return false
	}
	if acc.IsProtected(model) {
		return true
	}
	if !c.monitors(model) {
		return false
	}
	pct, ok := acc.Quota.Percentage(model)
	return ok && pct < c.ThresholdPercentage
}
