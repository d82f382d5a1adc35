package solution

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"provisioner/internal/logging"
	"provisioner/internal/util"
)

// ManifestFile is the solution manifest's file name inside a solution directory.
const ManifestFile = "solution.yaml"

const (
	defaultGuide   = "guide.md"
	defaultGuideZh = "guide_zh.md"
)

type manifest struct {
	Version  string `yaml:"version"`
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	NameZh   string `yaml:"name_zh"`
	Enabled  *bool  `yaml:"enabled"`
	Requires struct {
		Station string `yaml:"station"`
	} `yaml:"requires"`
	Intro struct {
		Presets []struct {
			ID           string      `yaml:"id"`
			Name         string      `yaml:"name"`
			NameZh       string      `yaml:"name_zh"`
			Description  string      `yaml:"description"`
			Disabled     bool        `yaml:"disabled"`
			DeviceGroups []yaml.Node `yaml:"device_groups"`
		} `yaml:"presets"`
	} `yaml:"intro"`
	Deployment struct {
		GuideFile     string `yaml:"guide_file"`
		GuideFileZh   string `yaml:"guide_file_zh"`
		SelectionMode string `yaml:"selection_mode"`
	} `yaml:"deployment"`
}

type loadOptions struct {
	stationVersion string
}

// Option configures Load.
type Option func(*loadOptions)

// WithStationVersion enables the requires.station compatibility check.
func WithStationVersion(v string) Option {
	return func(o *loadOptions) { o.stationVersion = v }
}

// Load reads a solution directory: manifest, locale guides and every
// referenced device config. All problems are returned together as a *LoadError.
func Load(dir string, opts ...Option) (*Solution, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	l := &loader{dir: dir, devices: map[string]*DeviceConfig{}}
	sol := l.load(o)
	if len(l.errs) > 0 {
		return nil, &LoadError{Dir: dir, Errors: l.errs}
	}
	return sol, nil
}

type loader struct {
	dir     string
	errs    []error
	devices map[string]*DeviceConfig
}

func (l *loader) fail(err error) { l.errs = append(l.errs, err) }

func (l *loader) load(o loadOptions) *Solution {
	data, err := os.ReadFile(filepath.Join(l.dir, ManifestFile))
	if err != nil {
		l.fail(fmt.Errorf("failed to read %s: %w", ManifestFile, err))
		return nil
	}
	if err := ValidateManifest(data); err != nil {
		l.fail(err)
		return nil
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		l.fail(fmt.Errorf("failed to decode %s: %w", ManifestFile, err))
		return nil
	}

	sol := &Solution{
		ID:            m.ID,
		Name:          m.Name,
		NameZh:        m.NameZh,
		Version:       m.Version,
		Enabled:       m.Enabled == nil || *m.Enabled,
		Requires:      m.Requires.Station,
		SelectionMode: m.Deployment.SelectionMode,
		Dir:           l.dir,
	}
	if sol.SelectionMode == "" {
		sol.SelectionMode = "sequential"
	}
	l.checkStation(sol, o.stationVersion)

	primaryFile, secondaryFile := m.Deployment.GuideFile, m.Deployment.GuideFileZh
	if primaryFile == "" {
		primaryFile = defaultGuide
	}
	if secondaryFile == "" && fileExists(filepath.Join(l.dir, defaultGuideZh)) {
		secondaryFile = defaultGuideZh
	}

	primary := l.parseGuide(primaryFile)
	if primary == nil {
		return nil
	}
	sol.Locales = append(sol.Locales, primaryFile)

	var secondary *Guide
	if secondaryFile != "" {
		secondary = l.parseGuide(secondaryFile)
		if secondary != nil {
			sol.Locales = append(sol.Locales, secondaryFile)
			l.errs = append(l.errs, CompareGuides(primary, secondary)...)
		}
	}

	meta := map[string]int{}
	for i, p := range m.Intro.Presets {
		meta[p.ID] = i
	}

	for _, gp := range primary.Presets {
		p := &Preset{ID: gp.ID, Name: gp.Name}
		if i, ok := meta[gp.ID]; ok {
			mp := m.Intro.Presets[i]
			if p.Name == "" {
				p.Name = mp.Name
			}
			p.NameZh = mp.NameZh
			p.Description = mp.Description
			p.Disabled = mp.Disabled
			p.DeviceGroups = mp.DeviceGroups
			delete(meta, gp.ID)
		}
		var sp *GuidePreset
		if secondary != nil {
			sp, _ = secondary.Preset(gp.ID)
			if sp != nil && p.NameZh == "" {
				p.NameZh = sp.Name
			}
		}
		for _, gs := range gp.Steps {
			p.Steps = append(p.Steps, l.buildStep(gs, sp))
		}
		sol.Presets = append(sol.Presets, p)
	}

	if len(meta) > 0 {
		orphans := make([]string, 0, len(meta))
		for id := range meta {
			orphans = append(orphans, id)
		}
		sort.Strings(orphans)
		logging.Warn("manifest presets without guide sections", map[string]interface{}{
			"solution": sol.ID,
			"presets":  orphans,
		})
	}
	if len(sol.Presets) == 0 {
		l.fail(fmt.Errorf("%s declares no deployment steps", primaryFile))
	}
	return sol
}

func (l *loader) checkStation(sol *Solution, station string) {
	if sol.Requires == "" {
		return
	}
	c, err := semver.NewConstraint(sol.Requires)
	if err != nil {
		l.fail(fmt.Errorf("invalid requires.station constraint %q: %w", sol.Requires, err))
		return
	}
	if station == "" {
		return
	}
	v, err := semver.NewVersion(station)
	if err != nil {
		l.fail(fmt.Errorf("invalid station version %q: %w", station, err))
		return
	}
	if !c.Check(v) {
		l.fail(fmt.Errorf("solution %s requires station %s, running %s", sol.ID, sol.Requires, station))
	}
}

func (l *loader) parseGuide(name string) *Guide {
	path, err := resolveRef(l.dir, name)
	if err != nil {
		l.fail(err)
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		l.fail(fmt.Errorf("failed to read guide %s: %w", name, err))
		return nil
	}
	g, errs := ParseGuide(name, string(data))
	l.errs = append(l.errs, errs...)
	return g
}

func (l *loader) buildStep(gs *GuideStep, sp *GuidePreset) *StepSpec {
	s := &StepSpec{
		ID:        gs.ID,
		Title:     gs.Title,
		Type:      gs.Type,
		Required:  gs.Required,
		ConfigRef: gs.Config,
		Line:      gs.Line,
	}
	var ss *GuideStep
	if sp != nil {
		ss, _ = sp.Step(gs.ID)
	}
	if ss != nil {
		s.TitleZh = ss.Title
	}
	if gs.Config != "" {
		s.Device = l.device(gs.Config)
		if s.Device != nil {
			s.Actions = s.Device.Actions
		}
	}
	for i, gt := range gs.Targets {
		t := &TargetSpec{
			ID:        gt.ID,
			Name:      gt.Name,
			Kind:      gt.Kind,
			ConfigRef: gt.Config,
			Default:   gt.Default,
		}
		if ss != nil && i < len(ss.Targets) && ss.Targets[i].ID == gt.ID {
			t.NameZh = ss.Targets[i].Name
		}
		if gt.Config != "" {
			t.Device = l.device(gt.Config)
			if t.Device != nil {
				t.Actions = t.Device.Actions
			}
		}
		s.Targets = append(s.Targets, t)
	}
	return s
}

// device loads each config ref once per solution.
func (l *loader) device(ref string) *DeviceConfig {
	if d, ok := l.devices[ref]; ok {
		return d
	}
	d, err := LoadDeviceConfig(l.dir, ref)
	if err != nil {
		l.fail(err)
	}
	l.devices[ref] = d
	return d
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

// Catalog is the set of loaded solutions, shared read-only between runs.
type Catalog struct {
	mu   sync.RWMutex
	byID map[string]*Solution
}

func NewCatalog(sols ...*Solution) *Catalog {
	c := &Catalog{byID: map[string]*Solution{}}
	for _, s := range sols {
		c.byID[s.ID] = s
	}
	return c
}

func (c *Catalog) Get(id string) (*Solution, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byID[id]
	return s, ok
}

// Put adds or replaces a solution.
func (c *Catalog) Put(s *Solution) {
	c.mu.Lock()
	c.byID[s.ID] = s
	c.mu.Unlock()
}

func (c *Catalog) add(s *Solution) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[s.ID]; ok {
		return false
	}
	c.byID[s.ID] = s
	return true
}

// IDs lists solution IDs, sorted.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadAll loads every subdirectory of root holding a solution.yaml, at most
// `parallel` at a time. Solutions that fail to load are reported in the error
// slice and left out of the catalog.
func LoadAll(root string, parallel int, opts ...Option) (*Catalog, []error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return NewCatalog(), []error{fmt.Errorf("failed to read solutions dir %s: %w", root, err)}
	}

	cat := NewCatalog()
	var (
		mu   sync.Mutex
		errs []error
	)
	var tasks []util.Task
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if !fileExists(filepath.Join(dir, ManifestFile)) {
			continue
		}
		tasks = append(tasks, func(context.Context) error {
			sol, err := Load(dir, opts...)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			if !cat.add(sol) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("solution id %q declared by more than one directory (%s)", sol.ID, dir))
				mu.Unlock()
				return nil
			}
			return nil
		})
	}
	_ = util.RunConcurrent(context.Background(), tasks, parallel)

	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return cat, errs
}
