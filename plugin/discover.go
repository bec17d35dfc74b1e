package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

// manifestExt is the extension DiscoverDir watches for. A manifest names a
// plugin and supplies its config; constructing the actual Plugin value from
// that config is the registered Factory's job — the core never loads
// arbitrary code off disk.
const manifestExt = ".plugin.toml"

// manifest is a plugin manifest file's decoded form.
type manifest struct {
	Name   string                 `toml:"name"`
	Config map[string]interface{} `toml:"config"`
}

// Factory constructs a Plugin instance from a manifest's config.
type Factory func(config map[string]interface{}) (Plugin, error)

// Discoverer watches a directory for plugin manifests and keeps the
// registry's membership in sync with the files present, the way the
// config package's Watcher keeps Config in sync with a TOML file.
type Discoverer struct {
	dir       string
	registry  *Registry
	factories map[string]Factory

	mu       sync.Mutex
	loaded   map[string]string // manifest path -> registered plugin name

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// DiscoverDir scans dir for *.plugin.toml manifests, registers a Plugin
// for each (built via factories, keyed by manifest name), and keeps
// watching dir so new/removed/changed manifests register/unregister live.
func DiscoverDir(dir string, registry *Registry, factories map[string]Factory) (*Discoverer, error) {
	d := &Discoverer{
		dir:       dir,
		registry:  registry,
		factories: factories,
		loaded:    make(map[string]string),
		done:      make(chan struct{}),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("plugin discovery: reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), manifestExt) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := d.load(path); err != nil {
			log.Warn().Err(err).Str("manifest", path).Msg("plugin manifest failed to load")
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("plugin discovery: creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("plugin discovery: watching %s: %w", dir, err)
	}
	d.fsWatcher = fsw
	go d.loop()

	return d, nil
}

// Close stops watching. Already-registered plugins remain registered;
// callers unregister them via Registry.Unregister if they want teardown.
func (d *Discoverer) Close() error {
	close(d.done)
	return d.fsWatcher.Close()
}

func (d *Discoverer) loop() {
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.fsWatcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, manifestExt) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				if err := d.load(event.Name); err != nil {
					log.Warn().Err(err).Str("manifest", event.Name).Msg("plugin manifest failed to load")
				}
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				d.unload(event.Name)
			}
		case err, ok := <-d.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("plugin discovery watcher error")
		}
	}
}

func (d *Discoverer) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}
	var m manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}
	if m.Name == "" {
		return fmt.Errorf("manifest %s: missing name", path)
	}
	factory, ok := d.factories[m.Name]
	if !ok {
		return fmt.Errorf("manifest %s: no factory registered for plugin %q", path, m.Name)
	}

	d.unload(path) // replace any previous registration for this manifest

	p, err := factory(m.Config)
	if err != nil {
		return fmt.Errorf("constructing plugin %q: %w", m.Name, err)
	}
	if err := d.registry.Register(p); err != nil {
		return fmt.Errorf("registering plugin %q: %w", m.Name, err)
	}

	d.mu.Lock()
	d.loaded[path] = p.Name()
	d.mu.Unlock()
	return nil
}

func (d *Discoverer) unload(path string) {
	d.mu.Lock()
	name, ok := d.loaded[path]
	if ok {
		delete(d.loaded, path)
	}
	d.mu.Unlock()

	if ok {
		if err := d.registry.Unregister(name); err != nil {
			log.Warn().Err(err).Str("plugin", name).Msg("unregistering plugin")
		}
	}
}
