package scripts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Loader manages training script templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	metaCache    map[string]*ScriptMeta
	mu           sync.RWMutex
}

// ScriptMeta holds frontmatter metadata for a script template.
type ScriptMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*ScriptMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. User config: ~/.config/tune-orchestrator/scripts/
// 2. Data dir: <dataDir>/scripts/
func DefaultLoader(dataDir string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{filepath.Join(home, ".config", "tune-orchestrator", "scripts")}

	if dataDir != "" {
		dirs = append(dirs, filepath.Join(dataDir, "scripts"))
	}

	return NewLoader(dirs...)
}

func scriptFile(id string) string {
	return id + ".py.tmpl"
}

// loadContent loads raw content from override dirs or the embedded FS.
func (l *Loader) loadContent(id string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		fullPath := filepath.Join(dir, scriptFile(id))
		if data, err := os.ReadFile(fullPath); err == nil {
			return data, nil
		}
	}

	return fs.ReadFile(embeddedFS, path.Join("templates", scriptFile(id)))
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*ScriptMeta, string, error) {
	str := string(content)

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil // No frontmatter
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // Malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:] // Skip closing "---\n"

	var meta ScriptMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// Load loads and parses a script template by ID (e.g. "train").
func (l *Loader) Load(id string) (*template.Template, *ScriptMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[id]; ok {
		meta := l.metaCache[id]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(id)
	if err != nil {
		return nil, nil, fmt.Errorf("load script %s: %w", id, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse script %s: %w", id, err)
	}

	tmpl, err := template.New(id).Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile script %s: %w", id, err)
	}

	l.mu.Lock()
	l.cache[id] = tmpl
	l.metaCache[id] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Render loads a script template and executes it with the given data.
func (l *Loader) Render(id string, data interface{}) (string, error) {
	tmpl, _, err := l.Load(id)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render script %s: %w", id, err)
	}

	return buf.String(), nil
}

// List returns metadata for every available script, overrides included.
// An override shadows the embedded script with the same ID.
func (l *Loader) List() ([]*ScriptMeta, error) {
	seen := make(map[string]bool)
	var result []*ScriptMeta

	collect := func(id string) error {
		if seen[id] {
			return nil
		}
		seen[id] = true

		_, meta, err := l.Load(id)
		if err != nil {
			return err
		}
		if meta == nil {
			meta = &ScriptMeta{ID: id, Name: id}
		}
		result = append(result, meta)
		return nil
	}

	for _, dir := range l.overrideDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // Override dirs are optional
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".py.tmpl") {
				continue
			}
			if err := collect(strings.TrimSuffix(entry.Name(), ".py.tmpl")); err != nil {
				return nil, err
			}
		}
	}

	entries, err := fs.ReadDir(embeddedFS, "templates")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".py.tmpl") {
			continue
		}
		if err := collect(strings.TrimSuffix(entry.Name(), ".py.tmpl")); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// TrainData holds template variables for the training script. User-supplied
// values never reach the script body; it reads them from the config file.
type TrainData struct {
	ConfigPath string
}

// BuildTrainScript renders the stock training script.
func (l *Loader) BuildTrainScript(data TrainData) (string, error) {
	return l.Render("train", data)
}

// ClearCache clears the template cache (useful for development/testing).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*ScriptMeta)
	l.mu.Unlock()
}
