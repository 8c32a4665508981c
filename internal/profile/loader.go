package profile

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/ravel/internal/artifact"
	"github.com/zjrosen/ravel/internal/log"
)

// LoadBuiltin loads the profiles embedded in the binary.
func LoadBuiltin() ([]Profile, error) {
	return loadFromFS(builtinProfiles, "builtin", SourceBuiltIn)
}

func loadFromFS(fsys fs.FS, dir string, source Source) ([]Profile, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading profile directory: %w", err)
	}

	var profiles []Profile
	for _, entry := range entries {
		if entry.IsDir() || !isProfileFile(entry.Name()) {
			continue
		}

		// path.Join, not filepath.Join: embedded filesystems always
		// use forward slashes
		fsPath := path.Join(dir, entry.Name())
		content, err := fs.ReadFile(fsys, fsPath)
		if err != nil {
			return nil, fmt.Errorf("reading profile file %s: %w", fsPath, err)
		}

		p, err := parseProfile(content, entry.Name(), source)
		if err != nil {
			log.Warn(log.CatProfile, "skipping invalid profile", "file", fsPath, "error", err)
			continue
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func isProfileFile(name string) bool {
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}

func parseProfile(content []byte, filename string, source Source) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(content, &p); err != nil {
		return Profile{}, fmt.Errorf("parsing YAML: %w", err)
	}
	if p.Name == "" {
		// Derive the name from the filename (e.g. "swift.yml" -> "swift")
		p.Name = strings.TrimSuffix(strings.TrimSuffix(filename, ".yml"), ".yaml")
	}
	// Profile files spell modes lowercase; the store constants are upper.
	p.Injection = artifact.Mode(strings.ToUpper(string(p.Injection)))
	p.Source = source
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// UserProfileDir returns the default user profile directory path,
// ~/.ravel/profiles/.
func UserProfileDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ravel", "profiles")
}

// LoadUserFromDir loads user-defined profiles from a directory. A
// missing directory is not an error, just no user profiles; files that
// fail to parse are skipped with a warning.
func LoadUserFromDir(dir string) ([]Profile, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checking profile directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("profile path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading profile directory: %w", err)
	}

	var profiles []Profile
	for _, entry := range entries {
		if entry.IsDir() || !isProfileFile(entry.Name()) {
			continue
		}
		filePath := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(filePath) //nolint:gosec // filePath is constructed from validated directory entries
		if err != nil {
			continue
		}
		p, err := parseProfile(content, entry.Name(), SourceUser)
		if err != nil {
			log.Warn(log.CatProfile, "skipping invalid profile", "file", filePath, "error", err)
			continue
		}
		p.FilePath = filePath
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// ErrUnknownProfile is returned by Registry.Get for unregistered names.
var ErrUnknownProfile = fmt.Errorf("unknown profile")

// Registry holds the merged set of built-in and user profiles. A user
// profile with the same name as a built-in one overrides it.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	userDir  string
}

// NewRegistry loads built-ins plus the user directory. An empty userDir
// means UserProfileDir().
func NewRegistry(userDir string) (*Registry, error) {
	if userDir == "" {
		userDir = UserProfileDir()
	}
	r := &Registry{userDir: userDir}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads built-in and user profiles from scratch.
func (r *Registry) Reload() error {
	builtin, err := LoadBuiltin()
	if err != nil {
		return err
	}
	user, err := LoadUserFromDir(r.userDir)
	if err != nil {
		return err
	}

	merged := make(map[string]Profile, len(builtin)+len(user))
	for _, p := range builtin {
		merged[p.Name] = p
	}
	for _, p := range user {
		merged[p.Name] = p
	}

	r.mu.Lock()
	r.profiles = merged
	r.mu.Unlock()

	log.Debug(log.CatProfile, "profiles loaded",
		"builtin", len(builtin), "user", len(user))
	return nil
}

// Get returns the profile with the given name.
func (r *Registry) Get(name string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	return p, nil
}

// All returns every registered profile, sorted by name.
func (r *Registry) All() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UserDir returns the directory user profiles are loaded from.
func (r *Registry) UserDir() string {
	return r.userDir
}
