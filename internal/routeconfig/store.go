package routeconfig

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// Store holds the current validated (Providers, Rules) pair behind an
// atomic pointer, so a read never blocks and never observes a partially
// applied reload. An atomic.Pointer swap (rather than a RWMutex) means
// every in-flight request keeps the snapshot it started with.
type Store struct {
	snap             atomic.Pointer[Snapshot]
	providersPath    string
	rulesPath        string
	fallbackProvider string
	logger           *slog.Logger
}

// New constructs a Store and performs the initial load of both documents.
// Every rule's candidates and fallbackProvider are validated to exist in
// the providers snapshot.
func New(providersPath, rulesPath, fallbackProvider string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		providersPath:    providersPath,
		rulesPath:        rulesPath,
		fallbackProvider: fallbackProvider,
		logger:           logger,
	}

	providers, err := s.loadProviders()
	if err != nil {
		return nil, fmt.Errorf("routeconfig: initial providers load: %w", err)
	}
	rules, err := s.loadRules()
	if err != nil {
		return nil, fmt.Errorf("routeconfig: initial rules load: %w", err)
	}
	if err := validateRules(rules, providers); err != nil {
		return nil, fmt.Errorf("routeconfig: initial rules load: %w", err)
	}
	if err := validateFallbackProvider(providers, fallbackProvider); err != nil {
		return nil, err
	}

	s.snap.Store(&Snapshot{Providers: providers, Rules: rules})
	return s, nil
}

// Snapshot returns the current immutable (Providers, Rules) pair.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// ReloadProviders re-reads and re-validates the providers file, atomically
// swapping it in on success. Rules are re-validated against the new
// providers set so a reload can never leave a Rule referencing a provider
// that no longer exists.
func (s *Store) ReloadProviders() error {
	providers, err := s.loadProviders()
	if err != nil {
		return err
	}
	cur := s.snap.Load()
	if err := validateRules(cur.Rules, providers); err != nil {
		return fmt.Errorf("routeconfig: providers reload would invalidate rules: %w", err)
	}
	if err := validateFallbackProvider(providers, s.fallbackProvider); err != nil {
		return err
	}
	s.snap.Store(&Snapshot{Providers: providers, Rules: cur.Rules})
	s.logger.Info("routeconfig: providers reloaded", "count", len(providers))
	return nil
}

// ReloadRules re-reads and re-validates the rules file against the current
// providers snapshot, atomically swapping it in on success.
func (s *Store) ReloadRules() error {
	cur := s.snap.Load()
	rules, err := s.loadRules()
	if err != nil {
		return err
	}
	if err := validateRules(rules, cur.Providers); err != nil {
		return err
	}
	s.snap.Store(&Snapshot{Providers: cur.Providers, Rules: rules})
	s.logger.Info("routeconfig: rules reloaded", "count", len(rules))
	return nil
}

// RawProviders returns the unparsed providers file content, for the admin
// API's GET side (serving the editor its current raw document).
func (s *Store) RawProviders() ([]byte, error) {
	return os.ReadFile(s.providersPath)
}

// RawRules returns the unparsed rules file content.
func (s *Store) RawRules() ([]byte, error) {
	return os.ReadFile(s.rulesPath)
}

// WriteProviders validates raw (possibly with comments) provider JSON,
// writes it to disk, and reloads the in-memory snapshot. On validation
// failure the file is left untouched.
func (s *Store) WriteProviders(raw []byte) error {
	if _, err := parseProviders(raw); err != nil {
		return err
	}
	if err := os.WriteFile(s.providersPath, raw, 0o644); err != nil {
		return fmt.Errorf("routeconfig: write providers file: %w", err)
	}
	return s.ReloadProviders()
}

// WriteRules validates raw (possibly with comments) rule JSON against the
// current providers snapshot, writes it to disk, and reloads.
func (s *Store) WriteRules(raw []byte) error {
	rules, err := parseRules(raw)
	if err != nil {
		return err
	}
	if err := validateRules(rules, s.snap.Load().Providers); err != nil {
		return err
	}
	if err := os.WriteFile(s.rulesPath, raw, 0o644); err != nil {
		return fmt.Errorf("routeconfig: write rules file: %w", err)
	}
	return s.ReloadRules()
}

func (s *Store) loadProviders() (map[string]Provider, error) {
	raw, err := os.ReadFile(s.providersPath)
	if err != nil {
		return nil, fmt.Errorf("routeconfig: read providers file %s: %w", s.providersPath, err)
	}
	return parseProviders(raw)
}

func (s *Store) loadRules() (map[string]Rule, error) {
	raw, err := os.ReadFile(s.rulesPath)
	if err != nil {
		return nil, fmt.Errorf("routeconfig: read rules file %s: %w", s.rulesPath, err)
	}
	return parseRules(raw)
}

func parseProviders(raw []byte) (map[string]Provider, error) {
	var entries []providerEntry
	if err := json.Unmarshal(stripComments(raw), &entries); err != nil {
		return nil, fmt.Errorf("routeconfig: parse providers: %w", err)
	}
	out := make(map[string]Provider, len(entries))
	for _, entry := range entries {
		if len(entry) != 1 {
			return nil, fmt.Errorf("routeconfig: each providers entry must be single-keyed, got %d keys", len(entry))
		}
		for name, v := range entry {
			if v.BaseURL == "" {
				return nil, fmt.Errorf("routeconfig: provider %q: baseUrl must be non-empty", name)
			}
			if v.APIKey == "" {
				return nil, fmt.Errorf("routeconfig: provider %q: apikey must be non-empty", name)
			}
			out[name] = Provider{Name: name, BaseURL: v.BaseURL, APIKeyRef: v.APIKey}
		}
	}
	return out, nil
}

func parseRules(raw []byte) (map[string]Rule, error) {
	var rules []Rule
	if err := json.Unmarshal(stripComments(raw), &rules); err != nil {
		return nil, fmt.Errorf("routeconfig: parse rules: %w", err)
	}
	out := make(map[string]Rule, len(rules))
	for _, r := range rules {
		if r.GatewayModel == "" {
			return nil, fmt.Errorf("routeconfig: rule missing gateway_model_name")
		}
		if len(r.Candidates) == 0 {
			return nil, fmt.Errorf("routeconfig: rule %q must have at least one candidate", r.GatewayModel)
		}
		for _, c := range r.Candidates {
			if c.ProviderName == "" {
				return nil, fmt.Errorf("routeconfig: rule %q: candidate missing provider", r.GatewayModel)
			}
			if c.ProviderModel == "" {
				return nil, fmt.Errorf("routeconfig: rule %q: candidate for provider %q missing providerModel", r.GatewayModel, c.ProviderName)
			}
			if c.RetryDelaySeconds < 0 || c.RetryDelaySeconds >= 120 {
				// Out-of-range values disable the sleep for that retry rather
				// than failing validation.
				continue
			}
		}
		out[r.GatewayModel] = r
	}
	return out, nil
}

func validateRules(rules map[string]Rule, providers map[string]Provider) error {
	for _, r := range rules {
		for _, c := range r.Candidates {
			if _, ok := providers[c.ProviderName]; !ok {
				return fmt.Errorf("routeconfig: rule %q references unknown provider %q", r.GatewayModel, c.ProviderName)
			}
		}
	}
	return nil
}

func validateFallbackProvider(providers map[string]Provider, fallbackProvider string) error {
	if fallbackProvider == "" {
		return nil
	}
	if _, ok := providers[fallbackProvider]; !ok {
		return fmt.Errorf("routeconfig: configured fallback provider %q not found in providers", fallbackProvider)
	}
	return nil
}
