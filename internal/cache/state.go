package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nobody-qwert/cline-local/internal/logging"
	"github.com/nobody-qwert/cline-local/internal/storage"
	"github.com/nobody-qwert/cline-local/pkg/types"
)

// State keys read by the core outside the API configuration.
const (
	KeyMode                  = "mode"
	KeyPlanActSeparateModels = "planActSeparateModelsSetting"
	KeyStrictPlanMode        = "strictPlanModeEnabled"
	KeyIsNewUser             = "isNewUser"
	KeyPreferredLanguage     = "preferredLanguage"
	KeyTelemetrySetting      = "telemetrySetting"
	KeyReasoningEffort       = "openaiReasoningEffort"
	KeyPlanModeAPIProvider   = "planModeApiProvider"
	KeyActModeAPIProvider    = "actModeApiProvider"
	KeyOllamaAPIKey          = "ollamaApiKey"
)

// applyDefaults fills keys missing from a freshly loaded global namespace.
func applyDefaults(global map[string]json.RawMessage) {
	setDefault := func(key string, v any) {
		if _, ok := global[key]; ok {
			return
		}
		raw, _ := json.Marshal(v)
		global[key] = raw
	}

	_, hasPlanProvider := global[KeyPlanModeAPIProvider]
	if raw, ok := global[KeyPlanModeAPIProvider]; ok {
		setDefault(KeyActModeAPIProvider, raw)
	}
	setDefault(KeyPlanModeAPIProvider, types.ProviderLMStudio)
	setDefault(KeyActModeAPIProvider, types.ProviderLMStudio)
	// Existing setups keep separate plan and act models; new ones opt in.
	setDefault(KeyPlanActSeparateModels, hasPlanProvider)

	setDefault(KeyMode, types.ModeAct)
	setDefault(KeyReasoningEffort, types.ReasoningEffortMedium)
	setDefault(KeyStrictPlanMode, false)
	setDefault(KeyIsNewUser, true)
	setDefault(KeyPreferredLanguage, "English")
	setDefault(KeyTelemetrySetting, "unset")
}

// GetValue decodes the value of key in ns into T. It returns false when the
// key is missing or does not decode as T.
func GetValue[T any](s *Service, ns storage.Namespace, key string) (T, bool) {
	var v T
	raw, ok := s.Get(ns, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}

// GetGlobalState returns the raw global value of key.
func (s *Service) GetGlobalState(key string) (json.RawMessage, bool) {
	return s.Get(storage.NamespaceGlobal, key)
}

// SetGlobalState stores a global key.
func (s *Service) SetGlobalState(key string, value any) error {
	return s.Set(storage.NamespaceGlobal, key, value)
}

// SetGlobalStateBatch stores several global keys with one flush.
func (s *Service) SetGlobalStateBatch(updates map[string]any) error {
	return s.SetBatch(storage.NamespaceGlobal, updates)
}

// GetSecret returns a secret, or "" when unset.
func (s *Service) GetSecret(key string) string {
	v, _ := GetValue[string](s, storage.NamespaceSecret, key)
	return v
}

// SetSecret stores a secret. An empty value deletes it.
func (s *Service) SetSecret(key, value string) {
	if value == "" {
		s.Delete(storage.NamespaceSecret, key)
		return
	}
	_ = s.Set(storage.NamespaceSecret, key, value)
}

// GetWorkspaceState returns the raw workspace value of key.
func (s *Service) GetWorkspaceState(key string) (json.RawMessage, bool) {
	return s.Get(storage.NamespaceWorkspace, key)
}

// SetWorkspaceState stores a workspace key.
func (s *Service) SetWorkspaceState(key string, value any) error {
	return s.Set(storage.NamespaceWorkspace, key, value)
}

// Mode returns the persisted operating mode.
func (s *Service) Mode() types.Mode {
	v, _ := GetValue[string](s, storage.NamespaceGlobal, KeyMode)
	return types.ParseMode(v)
}

// SetMode stores the operating mode.
func (s *Service) SetMode(mode types.Mode) {
	_ = s.SetGlobalState(KeyMode, mode)
}

// APIConfiguration assembles the provider configuration from the global
// and secret namespaces.
func (s *Service) APIConfiguration() types.APIConfiguration {
	s.mu.Lock()
	s.mustInit()
	merged := make(map[string]json.RawMessage, len(s.values[storage.NamespaceGlobal])+1)
	for k, v := range s.values[storage.NamespaceGlobal] {
		if !types.IsSecretKey(k) {
			merged[k] = v
		}
	}
	for _, k := range types.SecretKeys {
		if v, ok := s.values[storage.NamespaceSecret][k]; ok {
			merged[k] = v
		}
	}
	s.mu.Unlock()

	var cfg types.APIConfiguration
	for k, v := range merged {
		// Decode key by key so one malformed value does not hide the rest.
		one, _ := json.Marshal(map[string]json.RawMessage{k: v})
		_ = json.Unmarshal(one, &cfg)
	}
	return cfg
}

// SetAPIConfiguration persists the fields set in cfg. Unset fields keep
// their stored values. Secret fields go to the secret namespace.
func (s *Service) SetAPIConfiguration(cfg types.APIConfiguration) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode api configuration: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("encode api configuration: %w", err)
	}

	global := make(map[string]any, len(fields))
	for k, v := range fields {
		if types.IsSecretKey(k) {
			continue
		}
		global[k] = v
	}
	if len(global) > 0 {
		if err := s.SetGlobalStateBatch(global); err != nil {
			return err
		}
	}
	if cfg.OllamaAPIKey != "" {
		s.SetSecret(KeyOllamaAPIKey, cfg.OllamaAPIKey)
	}
	return nil
}

// ResetGlobalState deletes every global and secret key from storage and
// reloads those namespaces. Workspace values and their pending writes are
// kept.
func (s *Service) ResetGlobalState(ctx context.Context) error {
	return s.resetNamespaces(ctx, storage.NamespaceGlobal, storage.NamespaceSecret)
}

// ResetWorkspaceState deletes every workspace key from storage and reloads
// the namespace. Global and secret state is kept.
func (s *Service) ResetWorkspaceState(ctx context.Context) error {
	return s.resetNamespaces(ctx, storage.NamespaceWorkspace)
}

// resetNamespaces drops the pending writes of namespaces, deletes their
// stored keys and reloads them. Keys set while the reset runs survive it.
func (s *Service) resetNamespaces(ctx context.Context, namespaces ...storage.Namespace) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if err := s.dropPending(namespaces); err != nil {
		return err
	}

	reloaded := make(map[storage.Namespace]map[string]json.RawMessage, len(namespaces))
	for _, ns := range namespaces {
		stored, err := s.store.Load(ctx, ns)
		if err != nil {
			return fmt.Errorf("reset %s: %w", ns, err)
		}
		updates := make(map[string]json.RawMessage, len(stored))
		for k := range stored {
			updates[k] = nil
		}
		if err := s.store.UpdateBatch(ctx, ns, updates); err != nil {
			return fmt.Errorf("reset %s: %w", ns, err)
		}
		if reloaded[ns], err = s.store.Load(ctx, ns); err != nil {
			return fmt.Errorf("reset %s: %w", ns, err)
		}
	}

	s.mu.Lock()
	for ns, values := range reloaded {
		for k := range s.pending[ns] {
			if v, ok := s.values[ns][k]; ok {
				values[k] = v
			} else {
				delete(values, k)
			}
		}
		if ns == storage.NamespaceGlobal {
			applyDefaults(values)
		}
		s.values[ns] = values
	}
	s.mu.Unlock()

	logging.Component("cache").Info().Interface("namespaces", namespaces).Msg("state reset")
	return nil
}

func (s *Service) dropPending(namespaces []storage.Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	for _, ns := range namespaces {
		s.pending[ns] = make(map[string]uint64)
	}
	return nil
}
