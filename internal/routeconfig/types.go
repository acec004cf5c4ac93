// Package routeconfig implements the hot-reloadable routing configuration:
// the Providers and Rules documents that the Router consults on every
// request. Both documents are plain JSON files (comments tolerated) on
// disk; Store holds validated, immutable snapshots behind an atomic
// pointer so reload never disturbs an in-flight request.
package routeconfig

// Provider is one upstream LLM backend entry.
type Provider struct {
	Name      string `json:"name"`
	BaseURL   string `json:"baseUrl"`
	APIKeyRef string `json:"apikey"`
}

// Candidate is one element of a Rule's fallback sequence.
type Candidate struct {
	ProviderName                  string            `json:"provider"`
	ProviderModel                 string            `json:"providerModel"`
	SubProviderOrder               []string          `json:"subProviderOrder,omitempty"`
	UseSubProviderOrderAsFallback bool              `json:"useSubProviderOrderAsFallback,omitempty"`
	RetryDelaySeconds              int               `json:"retryDelaySeconds,omitempty"`
	RetryCount                     int               `json:"retryCount,omitempty"`
	CustomBodyParams               map[string]any    `json:"customBodyParams,omitempty"`
	CustomHeaders                  map[string]string `json:"customHeaders,omitempty"`
}

// Rule maps one gateway-facing model name to an ordered candidate list.
type Rule struct {
	GatewayModel string      `json:"gateway_model_name"`
	Candidates   []Candidate `json:"fallback_models"`
	Rotate       bool        `json:"rotate_models"`
}

// providerEntry mirrors the on-disk array shape of the providers document:
// an array of single-keyed objects, one per provider name.
type providerEntry map[string]providerValue

type providerValue struct {
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apikey"`
}

// Snapshot is an immutable, validated pair of Providers and Rules, returned
// by Store.Snapshot. A request holds a reference to the snapshot it started
// with for its entire lifetime.
type Snapshot struct {
	Providers map[string]Provider
	Rules     map[string]Rule
}

// ProviderByName returns the Provider with the given name and whether it exists.
func (s *Snapshot) ProviderByName(name string) (Provider, bool) {
	p, ok := s.Providers[name]
	return p, ok
}

// RuleByModel returns the Rule for the given gateway model and whether it exists.
func (s *Snapshot) RuleByModel(model string) (Rule, bool) {
	r, ok := s.Rules[model]
	return r, ok
}
