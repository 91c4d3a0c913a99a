package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/fsnotify/fsnotify"
	jose "github.com/go-jose/go-jose/v4"
	"gopkg.in/yaml.v3"
)

// lockFile in the key directory signals an in-progress key rotation; reload
// is deferred until it disappears.
const lockFile = "lock"

// retryAfterLock is how soon a deferred reload is retried.
const retryAfterLock = time.Second

type registryConfig struct {
	logger   *slog.Logger
	keyDir   string
	interval time.Duration
}

// Option configures the Registry.
type Option func(*registryConfig)

// WithLogger sets the slog logger. Logs are discarded if not provided.
func WithLogger(log *slog.Logger) Option {
	return func(c *registryConfig) { c.logger = log }
}

// WithKeyDir sets the directory holding per-provider JWK set files. Defaults
// to "certs" next to the config file.
func WithKeyDir(dir string) Option {
	return func(c *registryConfig) { c.keyDir = dir }
}

// WithReloadInterval sets the periodic reload interval. Defaults to 30
// minutes.
func WithReloadInterval(d time.Duration) Option {
	return func(c *registryConfig) { c.interval = d }
}

type providerFile struct {
	Issuer       string                 `yaml:"issuer"`
	JWKSURI      string                 `yaml:"jwks_uri"`
	DefaultApp   string                 `yaml:"default_application"`
	Applications map[string]Application `yaml:"applications"`
}

type configFile struct {
	Providers map[string]providerFile `yaml:"providers"`
}

// Registry loads provider configuration and key material and publishes it as
// an atomically swapped Snapshot.
type Registry struct {
	log      *slog.Logger
	path     string
	keyDir   string
	interval time.Duration

	current   atomic.Pointer[Snapshot]
	cancelKFs context.CancelFunc
}

// NewRegistry reads the YAML config at path and the key directory, and
// publishes the initial snapshot. Run keeps it fresh afterwards.
func NewRegistry(ctx context.Context, path string, opts ...Option) (*Registry, error) {
	cfg := &registryConfig{
		logger:   slog.New(slog.DiscardHandler),
		keyDir:   filepath.Join(filepath.Dir(path), "certs"),
		interval: 30 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := &Registry{
		log:      cfg.logger,
		path:     path,
		keyDir:   cfg.keyDir,
		interval: cfg.interval,
	}
	if err := r.reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the currently published snapshot.
func (r *Registry) Snapshot() *Snapshot { return r.current.Load() }

// Run reloads the registry on the configured interval and whenever the key
// directory changes. It returns when ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	defer func() {
		if r.cancelKFs != nil {
			r.cancelKFs()
		}
	}()

	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.WarnContext(ctx, "providers.watch.unavailable", slog.String("err", err.Error()))
	} else {
		defer watcher.Close()
		if err := watcher.Add(r.keyDir); err != nil {
			r.log.WarnContext(ctx, "providers.watch.add.fail", slog.String("err", err.Error()))
		} else {
			events = watcher.Events
		}
	}

	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	reload := func() {
		if err := r.reload(ctx); err != nil {
			if errors.Is(err, errLocked) {
				timer.Reset(retryAfterLock)
				return
			}
			r.log.ErrorContext(ctx, "providers.reload.fail", slog.String("err", err.Error()))
		}
		timer.Reset(r.interval)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			reload()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == filepath.Join(r.keyDir, lockFile) {
				continue
			}
			reload()
		}
	}
}

var errLocked = errors.New("key directory is locked")

func (r *Registry) reload(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(r.keyDir, lockFile)); err == nil {
		r.log.InfoContext(ctx, "providers.reload.deferred")
		return errLocked
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read provider config: %w", err)
	}
	var file configFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse provider config: %w", err)
	}
	if len(file.Providers) == 0 {
		return errors.New("provider config declares no providers")
	}

	kfCtx, cancel := context.WithCancel(ctx)

	snap := &Snapshot{providers: make(map[string]*Provider, len(file.Providers))}
	for name, pf := range file.Providers {
		p := &Provider{
			Name:       name,
			Issuer:     pf.Issuer,
			DefaultApp: pf.DefaultApp,
			apps:       pf.Applications,
		}
		if p.DefaultApp == "" {
			p.DefaultApp = "web"
		}

		if keys, err := r.loadKeyFile(name); err != nil {
			cancel()
			return err
		} else if keys != nil {
			p.keys = keys
		}

		if pf.JWKSURI != "" {
			kf, err := keyfunc.NewDefaultCtx(kfCtx, []string{pf.JWKSURI})
			if err != nil {
				cancel()
				return fmt.Errorf("provider %s: jwks init: %w", name, err)
			}
			p.kf = kf.Keyfunc
		}

		snap.providers[name] = p
	}

	// Publish the complete snapshot, then stop the previous snapshot's JWKS
	// refresh loops.
	r.current.Store(snap)
	if r.cancelKFs != nil {
		r.cancelKFs()
	}
	r.cancelKFs = cancel

	r.log.InfoContext(ctx, "providers.reload.ok", slog.Int("providers", len(snap.providers)))
	return nil
}

func (r *Registry) loadKeyFile(provider string) (*jose.JSONWebKeySet, error) {
	raw, err := os.ReadFile(filepath.Join(r.keyDir, provider))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("provider %s: read key file: %w", provider, err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("provider %s: parse key file: %w", provider, err)
	}
	return &set, nil
}
