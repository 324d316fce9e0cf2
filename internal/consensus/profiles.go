package consensus

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fyrsmithlabs/consensusd/internal/provider"
)

// Built-in profile names.
const (
	ProfileBalanced = "balanced"
	ProfileSpeed    = "speed"
	ProfileElite    = "elite"
	ProfileBudget   = "budget"
)

// maxTemperature is the largest sampling temperature OpenRouter accepts.
const maxTemperature = 2.0

// StageConfig is the model and sampling settings of one stage.
type StageConfig struct {
	Model       string  `toml:"model" json:"model"`
	Temperature float64 `toml:"temperature" json:"temperature"`
	MaxTokens   int     `toml:"max_tokens" json:"max_tokens,omitempty"`
}

// Profile assigns a model and temperature to every stage. Profiles are
// values; a run keeps the copy it resolved at start.
type Profile struct {
	Name        string      `toml:"-" json:"name"`
	Description string      `toml:"description" json:"description,omitempty"`
	Generator   StageConfig `toml:"generator" json:"generator"`
	Refiner     StageConfig `toml:"refiner" json:"refiner"`
	Validator   StageConfig `toml:"validator" json:"validator"`
	Curator     StageConfig `toml:"curator" json:"curator"`
}

// For returns the settings of stage.
func (p Profile) For(stage Stage) StageConfig {
	switch stage {
	case StageGenerator:
		return p.Generator
	case StageRefiner:
		return p.Refiner
	case StageValidator:
		return p.Validator
	default:
		return p.Curator
	}
}

// Validate checks that every stage names a model with a usable temperature.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	for _, s := range Stages() {
		sc := p.For(s)
		if strings.TrimSpace(sc.Model) == "" {
			return fmt.Errorf("%w: %s: %s model is required", ErrInvalidProfile, p.Name, s)
		}
		if sc.Temperature < 0 || sc.Temperature > maxTemperature {
			return fmt.Errorf("%w: %s: %s temperature %.2f out of range [0, %.0f]",
				ErrInvalidProfile, p.Name, s, sc.Temperature, maxTemperature)
		}
		if sc.MaxTokens < 0 {
			return fmt.Errorf("%w: %s: %s max_tokens must be non-negative", ErrInvalidProfile, p.Name, s)
		}
	}
	return nil
}

// BuiltinProfiles returns the profiles available without a profiles file.
func BuiltinProfiles() []Profile {
	return []Profile{
		{
			Name:        ProfileBalanced,
			Description: "Strong general-purpose models at moderate cost",
			Generator:   StageConfig{Model: "anthropic/claude-3.5-sonnet", Temperature: 0.6},
			Refiner:     StageConfig{Model: "openai/gpt-4o", Temperature: 0.4},
			Validator:   StageConfig{Model: "google/gemini-pro-1.5", Temperature: 0.2},
			Curator:     StageConfig{Model: "anthropic/claude-3.5-sonnet", Temperature: 0.5},
		},
		{
			Name:        ProfileSpeed,
			Description: "Small fast models for quick answers",
			Generator:   StageConfig{Model: "openai/gpt-4o-mini", Temperature: 0.3},
			Refiner:     StageConfig{Model: "anthropic/claude-3-haiku", Temperature: 0.2},
			Validator:   StageConfig{Model: "google/gemini-flash-1.5", Temperature: 0.1},
			Curator:     StageConfig{Model: "openai/gpt-4o-mini", Temperature: 0.3},
		},
		{
			Name:        ProfileElite,
			Description: "Frontier models for architecture and difficult reviews",
			Generator:   StageConfig{Model: "anthropic/claude-3-opus", Temperature: 0.7},
			Refiner:     StageConfig{Model: "openai/gpt-4o", Temperature: 0.5},
			Validator:   StageConfig{Model: "anthropic/claude-3.5-sonnet", Temperature: 0.3},
			Curator:     StageConfig{Model: "anthropic/claude-3-opus", Temperature: 0.6},
		},
		{
			Name:        ProfileBudget,
			Description: "Open models at the lowest cost",
			Generator:   StageConfig{Model: "meta-llama/llama-3.1-70b-instruct", Temperature: 0.4},
			Refiner:     StageConfig{Model: "deepseek/deepseek-chat", Temperature: 0.3},
			Validator:   StageConfig{Model: "meta-llama/llama-3.1-8b-instruct", Temperature: 0.2},
			Curator:     StageConfig{Model: "mistralai/mistral-large", Temperature: 0.4},
		},
	}
}

// ProfilesFile is the on-disk TOML layout:
//
//	default = "team"
//
//	[profiles.team]
//	description = "house models"
//	generator = { model = "openai/gpt-4o", temperature = 0.6 }
//	refiner   = { model = "openai/gpt-4o", temperature = 0.4 }
//	validator = { model = "openai/gpt-4o-mini", temperature = 0.2 }
//	curator   = { model = "openai/gpt-4o", temperature = 0.5 }
//
//	[pricing."openai/gpt-4o"]
//	prompt = 0.0025
//	completion = 0.01
type ProfilesFile struct {
	Default  string                    `toml:"default"`
	Profiles map[string]Profile        `toml:"profiles"`
	Pricing  map[string]provider.Price `toml:"pricing"`
}

// Registry holds the profiles a run can select. File profiles shadow
// registered ones, which shadow built-ins of the same name. Reloading a file
// replaces all file profiles.
type Registry struct {
	mu          sync.RWMutex
	builtin     map[string]Profile
	registered  map[string]Profile
	file        map[string]Profile
	defaultName string
	fileDefault string
	pricing     *provider.Pricing
}

// NewRegistry creates a registry with the built-in profiles. Prices read
// from profile files are merged into pricing when it is non-nil.
func NewRegistry(defaultName string, pricing *provider.Pricing) *Registry {
	if defaultName == "" {
		defaultName = ProfileBalanced
	}
	r := &Registry{
		builtin:     make(map[string]Profile),
		registered:  make(map[string]Profile),
		file:        make(map[string]Profile),
		defaultName: defaultName,
		pricing:     pricing,
	}
	for _, p := range BuiltinProfiles() {
		r.builtin[p.Name] = p
	}
	return r
}

// Get returns the named profile, or the default profile for "".
func (r *Registry) Get(name string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaultName
		if r.fileDefault != "" {
			name = r.fileDefault
		}
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if p, ok := r.file[name]; ok {
		return p, nil
	}
	if p, ok := r.registered[name]; ok {
		return p, nil
	}
	if p, ok := r.builtin[name]; ok {
		return p, nil
	}
	return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
}

// Names returns every selectable profile name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.builtin)+len(r.registered)+len(r.file))
	for _, m := range []map[string]Profile{r.builtin, r.registered, r.file} {
		for n := range m {
			seen[n] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Register adds or replaces a profile that survives file reloads.
func (r *Registry) Register(p Profile) error {
	p.Name = strings.ToLower(strings.TrimSpace(p.Name))
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[p.Name] = p
	return nil
}

// LoadFile replaces all file profiles with those in path. On error the
// registry is unchanged.
func (r *Registry) LoadFile(path string) error {
	f, err := ReadProfilesFile(path)
	if err != nil {
		return err
	}

	profiles := make(map[string]Profile, len(f.Profiles))
	for name, p := range f.Profiles {
		p.Name = strings.ToLower(strings.TrimSpace(name))
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrProfilesFile, path, err)
		}
		profiles[p.Name] = p
	}

	def := strings.ToLower(strings.TrimSpace(f.Default))
	if def != "" {
		r.mu.RLock()
		_, inRegistered := r.registered[def]
		r.mu.RUnlock()
		_, inFile := profiles[def]
		_, inBuiltin := r.builtin[def]
		if !inFile && !inRegistered && !inBuiltin {
			return fmt.Errorf("%w: %s: default profile %q is not defined", ErrProfilesFile, path, def)
		}
	}

	r.mu.Lock()
	r.file = profiles
	r.fileDefault = def
	r.mu.Unlock()

	if r.pricing != nil && len(f.Pricing) > 0 {
		r.pricing.Merge(f.Pricing)
	}
	return nil
}

// ReadProfilesFile decodes a profiles file. Unknown keys are rejected so
// that typos do not silently fall back to defaults.
func ReadProfilesFile(path string) (*ProfilesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profiles file: %w", err)
	}

	var f ProfilesFile
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProfilesFile, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: %s: unknown keys %s", ErrProfilesFile, path, strings.Join(keys, ", "))
	}
	return &f, nil
}
