// Package vault stores provider credentials encrypted at rest.
//
// Blobs are sealed with a random data key held in the OS keyring when the
// platform offers one, and otherwise with AES-256-GCM under a key derived
// from a machine seed. Every blob carries a 4-byte marker naming its scheme
// so older formats stay readable. Export/Import use an age passphrase so a
// backup can move between machines.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortex-orchestrator/internal/llm"
	"github.com/normanking/cortex-orchestrator/internal/logging"
)

var (
	ErrNoCredentials = errors.New("no stored credentials")
	ErrUnknownFormat = errors.New("unknown credential blob format")
	ErrCorrupt       = errors.New("credential blob corrupt")
	ErrWrongPassword = errors.New("wrong password")
	ErrNoBackup      = errors.New("backup not found")
)

const (
	credentialsFile = "credentials.bin"
	backupDir       = "backups"
	backupPrefix    = "credentials-"
	backupSuffix    = ".bin"
	backupLayout    = "20060102-150405.000"
)

// Options configures a Vault.
type Options struct {
	// Dir holds the credentials file and the backups directory.
	Dir string

	// PreferPlatform seals new blobs with the keyring scheme when available.
	PreferPlatform bool

	// SensitivePaths are the dotted paths masked by Sanitized.
	SensitivePaths []string

	// Keeper is the platform secure storage. Defaults to OSKeyring.
	Keeper Keeper

	// Seed overrides the machine seed.
	Seed []byte

	// ExportWorkFactor is the age scrypt log2 work factor for Export.
	// Zero uses the age default.
	ExportWorkFactor int

	Logger *logging.Logger
	Now    func() time.Time
}

// BackupInfo describes one backup file.
type BackupInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Vault is the secure credential store.
type Vault struct {
	dir            string
	preferPlatform bool
	paths          []string
	keeper         Keeper
	seed           []byte
	workFactor     int
	now            func() time.Time
	log            zerolog.Logger

	mu     sync.Mutex
	cached Config
}

// New creates a Vault. Nothing is written until Save.
func New(opts Options) (*Vault, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("vault directory is required")
	}
	v := &Vault{
		dir:            opts.Dir,
		preferPlatform: opts.PreferPlatform,
		paths:          opts.SensitivePaths,
		keeper:         opts.Keeper,
		seed:           opts.Seed,
		workFactor:     opts.ExportWorkFactor,
		now:            opts.Now,
		log:            logging.For(opts.Logger, "vault"),
	}
	if len(v.paths) == 0 {
		v.paths = DefaultSensitivePaths
	}
	if v.keeper == nil {
		v.keeper = OSKeyring{}
	}
	if len(v.seed) == 0 {
		v.seed = MachineSeed()
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v, nil
}

// Encrypt seals cfg into a blob using the preferred available scheme.
func (v *Vault) Encrypt(cfg Config) ([]byte, error) {
	if v.preferPlatform {
		key, err := dataKey(v.keeper, true)
		if err == nil {
			return sealWithDataKey(key, cfg)
		}
		v.log.Warn().Err(err).Msg("platform keyring unavailable, using machine key")
	}
	return sealWithSeed(v.seed, cfg)
}

// Decrypt opens a blob written by any supported scheme.
func (v *Vault) Decrypt(blob []byte) (Config, error) {
	scheme, err := DetectScheme(blob)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case SchemeKeyring:
		key, err := dataKey(v.keeper, false)
		if err != nil {
			return nil, err
		}
		return openWithDataKey(key, blob)
	case SchemeLegacy:
		return openLegacy(v.seed, blob)
	case SchemeMachine:
		return openWithSeed(v.seed, blob)
	default:
		return nil, fmt.Errorf("%w: password blobs open through Import", ErrUnknownFormat)
	}
}

// Save encrypts cfg and writes it atomically.
func (v *Vault) Save(cfg Config) error {
	blob, err := v.Encrypt(cfg)
	if err != nil {
		return err
	}
	if err := writeAtomic(v.path(), blob); err != nil {
		return err
	}

	v.mu.Lock()
	v.cached = Merge(Config{}, cfg)
	v.mu.Unlock()

	v.log.Info().Int("providers", len(cfg)).Msg("credentials saved")
	return nil
}

// Load returns the stored configuration. The result is a copy.
func (v *Vault) Load() (Config, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cached != nil {
		return Merge(Config{}, v.cached), nil
	}

	blob, err := os.ReadFile(v.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	cfg, err := v.Decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	v.cached = cfg
	return Merge(Config{}, cfg), nil
}

// Delete removes the stored credentials. Backups are kept.
func (v *Vault) Delete() error {
	v.mu.Lock()
	v.cached = nil
	v.mu.Unlock()

	if err := os.Remove(v.path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete credentials: %w", err)
	}
	v.log.Info().Msg("credentials deleted")
	return nil
}

// Sanitized returns the stored configuration with sensitive values masked.
func (v *Vault) Sanitized() (Config, error) {
	cfg, err := v.Load()
	if err != nil {
		return nil, err
	}
	return Sanitize(cfg, v.paths), nil
}

// SensitivePaths returns the configured sensitive paths.
func (v *Vault) SensitivePaths() []string {
	return append([]string(nil), v.paths...)
}

// ProviderConfig returns the stored settings for one provider with defaults
// filled in. It fails with llm.ErrNotConfigured when the provider has no
// usable entry.
func (v *Vault) ProviderConfig(id string) (*llm.ProviderConfig, error) {
	cfg, err := v.Load()
	if err != nil && !errors.Is(err, ErrNoCredentials) {
		return nil, err
	}
	entry, ok := asMap(cfg[id])
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, llm.ErrNotConfigured)
	}

	pc := llm.DefaultConfig(id)
	if s := stringField(entry, "apiKey"); s != "" {
		pc.APIKey = s
	}
	if s := stringField(entry, "endpoint", "host"); s != "" {
		pc.Endpoint = s
	}
	if s := stringField(entry, "model"); s != "" {
		pc.Model = s
	}
	if !pc.Usable() {
		return nil, fmt.Errorf("%s: %w", id, llm.ErrNotConfigured)
	}
	return pc, nil
}

// IsConfigured reports whether ProviderConfig(id) would succeed.
func (v *Vault) IsConfigured(id string) bool {
	_, err := v.ProviderConfig(id)
	return err == nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// BACKUP & RECOVERY
// ═══════════════════════════════════════════════════════════════════════════════

// Backup copies the current blob to a timestamped file and returns its name.
func (v *Vault) Backup() (string, error) {
	blob, err := os.ReadFile(v.path())
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoCredentials
	}
	if err != nil {
		return "", fmt.Errorf("read credentials: %w", err)
	}

	name := backupPrefix + v.now().UTC().Format(backupLayout) + backupSuffix
	if err := writeAtomic(filepath.Join(v.dir, backupDir, name), blob); err != nil {
		return "", err
	}
	v.log.Info().Str("backup", name).Msg("credentials backed up")
	return name, nil
}

// ListBackups returns available backups, newest first.
func (v *Vault) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(filepath.Join(v.dir, backupDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	var out []BackupInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
		created, err := time.Parse(backupLayout, stamp)
		if err != nil {
			continue
		}
		info := BackupInfo{Name: name, CreatedAt: created}
		if fi, err := e.Info(); err == nil {
			info.Size = fi.Size()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Restore replaces the current credentials with the named backup. The
// backup must decrypt on this machine.
func (v *Vault) Restore(name string) error {
	if name != filepath.Base(name) || !strings.HasPrefix(name, backupPrefix) {
		return fmt.Errorf("%w: %s", ErrNoBackup, name)
	}
	blob, err := os.ReadFile(filepath.Join(v.dir, backupDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNoBackup, name)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	cfg, err := v.Decrypt(blob)
	if err != nil {
		return fmt.Errorf("decrypt backup: %w", err)
	}
	if err := v.Save(cfg); err != nil {
		return err
	}
	v.log.Info().Str("backup", name).Msg("credentials restored")
	return nil
}

// Export seals the stored credentials under password for transfer to
// another machine.
func (v *Vault) Export(password string) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("export password is required")
	}
	cfg, err := v.Load()
	if err != nil {
		return nil, err
	}
	return sealWithPassword(password, v.workFactor, cfg)
}

// Import opens an exported blob and saves it as the current credentials.
func (v *Vault) Import(data []byte, password string) error {
	scheme, err := DetectScheme(data)
	if err != nil {
		return err
	}
	if scheme != SchemePassword {
		return fmt.Errorf("%w: expected exported blob, got %s", ErrUnknownFormat, scheme)
	}
	cfg, err := openWithPassword(password, data)
	if err != nil {
		return err
	}
	return v.Save(cfg)
}

func (v *Vault) path() string {
	return filepath.Join(v.dir, credentialsFile)
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// DEFAULT VAULT
// ═══════════════════════════════════════════════════════════════════════════════

var (
	defaultVault *Vault
	defaultMu    sync.RWMutex
)

// SetDefault sets the process-wide vault.
func SetDefault(v *Vault) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultVault = v
}

// Default returns the process-wide vault, or nil when none was set.
func Default() *Vault {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultVault
}
