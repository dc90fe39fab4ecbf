package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/relaybridge/upstream-bridge/internal/accountstore"
	"github.com/relaybridge/upstream-bridge/internal/compression"
	"github.com/relaybridge/upstream-bridge/internal/loadbalance"
	"github.com/relaybridge/upstream-bridge/internal/router"
)

// AccountRecord is the on-disk shape of one Account, field-compatible
// with accountstore.TokenPair/accountstore.Account so an externally
// populated auth.json-style entry loads unchanged.
type AccountRecord struct {
	ID            string          `json:"id"`
	Email         string          `json:"email"`
	AccessToken   string          `json:"access_token"`
	AccountID     string          `json:"account_id"`
	IDToken       string          `json:"id_token,omitempty"`
	RefreshToken  string          `json:"refresh_token"`
	ExpiresAt     time.Time       `json:"expires_at"`
	LastRefresh   string          `json:"last_refresh,omitempty"`
	DeviceProfile json.RawMessage `json:"device_profile,omitempty"`
}

// RuntimeConfig is the hot-reloadable document ConfigManager watches:
// the account pool, the custom model-router mappings, the load balancer
// strategy, and the compression thresholds. Unlike EnvConfig, this can
// change without a process restart.
type RuntimeConfig struct {
	Accounts            []AccountRecord   `json:"accounts"`
	ModelMappings       map[string]string `json:"modelMappings,omitempty"`
	DefaultModel        string            `json:"defaultModel"`
	LoadBalanceStrategy string            `json:"loadBalanceStrategy"` // "round-robin" or "fill-first"
	RateLimitSeconds    int               `json:"rateLimitSeconds"`

	CompressionLayer1  float64 `json:"compressionLayer1"`
	CompressionLayer2  float64 `json:"compressionLayer2"`
	CompressionLayer3  float64 `json:"compressionLayer3"`
	KeepLastToolRounds int `json:"keepLastToolRounds"`
	ProtectedLastN     int `json:"protectedLastN"`
}

func defaultRuntimeConfig() RuntimeConfig {
	th := compression.DefaultThresholds()
	return RuntimeConfig{
		Accounts:            []AccountRecord{},
		ModelMappings:       map[string]string{},
		DefaultModel:        "claude-sonnet-4-5",
		LoadBalanceStrategy: "round-robin",
		RateLimitSeconds:    int(loadbalance.DefaultRateLimitDuration.Seconds()),
		CompressionLayer1:   th.Layer1,
		CompressionLayer2:   th.Layer2,
		CompressionLayer3:   th.Layer3,
		KeepLastToolRounds:  th.KeepLastToolRounds,
		ProtectedLastN:      th.ProtectedLastN,
	}
}

// ConfigManager owns RuntimeConfig's on-disk JSON document, hot-reloaded
// via an fsnotify watch on its containing directory. Editors replace
// config files via atomic rename/create, not only Write; watching the
// directory survives that where watching the bare file would not.
type ConfigManager struct {
	mu         sync.RWMutex
	config     RuntimeConfig
	configFile string
	watcher    *fsnotify.Watcher
	onChange   func(RuntimeConfig)
}

// NewConfigManager loads configFile, creating it with defaults if
// missing, and starts the hot-reload watcher.
func NewConfigManager(configFile string) (*ConfigManager, error) {
	cm := &ConfigManager{configFile: configFile}

	if err := cm.loadConfig(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := cm.saveConfigLocked(defaultRuntimeConfig()); err != nil {
			return nil, fmt.Errorf("config: writing default config: %w", err)
		}
	}

	if err := cm.startWatcher(); err != nil {
		log.Printf("config: failed to start hot-reload watcher: %v", err)
	}

	return cm, nil
}

func (cm *ConfigManager) loadConfig() error {
	data, err := os.ReadFile(cm.configFile)
	if err != nil {
		return err
	}

	var cfg RuntimeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()
	return nil
}

func (cm *ConfigManager) saveConfigLocked(cfg RuntimeConfig) error {
	if err := os.MkdirAll(filepath.Dir(cm.configFile), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(cm.configFile, data, 0644); err != nil {
		return err
	}
	cm.config = cfg
	return nil
}

func (cm *ConfigManager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	cm.watcher = watcher

	dir := filepath.Dir(cm.configFile)
	base := filepath.Base(cm.configFile)

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				// Watch the directory so atomic rename/create saves
				// (common with editors and config-management tools)
				// reload too, not just in-place writes.
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := cm.loadConfig(); err != nil {
					log.Printf("config: reload failed: %v", err)
					continue
				}
				cm.mu.RLock()
				cfg := cm.config
				cb := cm.onChange
				cm.mu.RUnlock()
				if cb != nil {
					cb(cfg)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config: watcher error: %v", err)
			}
		}
	}()

	if err := watcher.Add(dir); err != nil {
		return watcher.Add(cm.configFile)
	}
	return nil
}

// SetOnChangeCallback installs a callback invoked after every successful
// hot reload, so long-lived components (the load balancer pool, the
// router) can be rebuilt from the new snapshot.
func (cm *ConfigManager) SetOnChangeCallback(cb func(RuntimeConfig)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onChange = cb
}

// GetConfig returns a snapshot of the current configuration.
func (cm *ConfigManager) GetConfig() RuntimeConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// Accounts converts the on-disk records into accountstore.Account values
// suitable for seeding an accountstore.MemoryStore.
func (cm *ConfigManager) Accounts() []accountstore.Account {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]accountstore.Account, 0, len(cm.config.Accounts))
	for _, r := range cm.config.Accounts {
		out = append(out, accountstore.Account{
			ID:    r.ID,
			Email: r.Email,
			Tokens: accountstore.TokenPair{
				AccessToken:  r.AccessToken,
				AccountID:    r.AccountID,
				IDToken:      r.IDToken,
				RefreshToken: r.RefreshToken,
				ExpiresAt:    r.ExpiresAt,
				LastRefresh:  r.LastRefresh,
			},
			DeviceProfile: r.DeviceProfile,
		})
	}
	return out
}

// Router builds a router.Router from the current custom mappings and
// default model. Cheap enough to call on every hot reload instead of
// adding mutation methods to the (otherwise immutable) router.Router.
func (cm *ConfigManager) Router() *router.Router {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return router.New(cm.config.ModelMappings, cm.config.DefaultModel)
}

// LoadBalanceStrategy maps the configured strategy name to
// loadbalance.Strategy, defaulting to round-robin for an unrecognized
// or empty value.
func (cm *ConfigManager) LoadBalanceStrategy() loadbalance.Strategy {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.config.LoadBalanceStrategy == "fill-first" {
		return loadbalance.StrategyFillFirst
	}
	return loadbalance.StrategyRoundRobin
}

// RateLimitDuration is the default cooldown LoadBalancer.MarkRateLimited
// applies when Upstream's 429 carries no usable Retry-After.
func (cm *ConfigManager) RateLimitDuration() time.Duration {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.config.RateLimitSeconds <= 0 {
		return loadbalance.DefaultRateLimitDuration
	}
	return time.Duration(cm.config.RateLimitSeconds) * time.Second
}

// CompressionThresholds returns the currently configured compression
// tuning, falling back to compression.DefaultThresholds for any unset
// field so a partially specified config file still behaves sanely.
func (cm *ConfigManager) CompressionThresholds() compression.Thresholds {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	def := compression.DefaultThresholds()
	th := compression.Thresholds{
		Layer1:             cm.config.CompressionLayer1,
		Layer2:             cm.config.CompressionLayer2,
		Layer3:             cm.config.CompressionLayer3,
		KeepLastToolRounds: cm.config.KeepLastToolRounds,
		ProtectedLastN:     cm.config.ProtectedLastN,
	}
	if th.Layer1 == 0 {
		th.Layer1 = def.Layer1
	}
	if th.Layer2 == 0 {
		th.Layer2 = def.Layer2
	}
	if th.Layer3 == 0 {
		th.Layer3 = def.Layer3
	}
	if th.KeepLastToolRounds == 0 {
		th.KeepLastToolRounds = def.KeepLastToolRounds
	}
	if th.ProtectedLastN == 0 {
		th.ProtectedLastN = def.ProtectedLastN
	}
	return th
}

// PersistAccountTokens patches one account's refreshed token fields
// directly in the on-disk JSON document via gjson/sjson, instead of
// decoding and re-marshaling the whole RuntimeConfig tree, so a
// concurrent manual edit to an unrelated account survives the write.
func (cm *ConfigManager) PersistAccountTokens(accountID string, tokens accountstore.TokenPair) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	data, err := os.ReadFile(cm.configFile)
	if err != nil {
		return err
	}
	raw := string(data)

	idx := -1
	gjson.Get(raw, "accounts").ForEach(func(key, value gjson.Result) bool {
		if value.Get("id").String() == accountID {
			idx = int(key.Int())
			return false
		}
		return true
	})
	if idx == -1 {
		return fmt.Errorf("config: unknown account %q", accountID)
	}

	path := fmt.Sprintf("accounts.%d", idx)
	for _, patch := range []struct {
		field string
		value interface{}
	}{
		{"access_token", tokens.AccessToken},
		{"refresh_token", tokens.RefreshToken},
		{"id_token", tokens.IDToken},
		{"expires_at", tokens.ExpiresAt},
		{"last_refresh", tokens.LastRefresh},
	} {
		raw, err = sjson.Set(raw, path+"."+patch.field, patch.value)
		if err != nil {
			return err
		}
	}

	if err := os.WriteFile(cm.configFile, []byte(raw), 0644); err != nil {
		return err
	}

	for i := range cm.config.Accounts {
		if cm.config.Accounts[i].ID == accountID {
			cm.config.Accounts[i].AccessToken = tokens.AccessToken
			cm.config.Accounts[i].RefreshToken = tokens.RefreshToken
			cm.config.Accounts[i].IDToken = tokens.IDToken
			cm.config.Accounts[i].ExpiresAt = tokens.ExpiresAt
			cm.config.Accounts[i].LastRefresh = tokens.LastRefresh
			break
		}
	}
	return nil
}

// Close stops the hot-reload watcher.
func (cm *ConfigManager) Close() error {
	if cm.watcher != nil {
		return cm.watcher.Close()
	}
	return nil
}
