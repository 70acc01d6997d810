package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

type (
	// Lookup resolves an environment variable by name. It follows the
	// os.LookupEnv contract so tests can inject fixed environments.
	Lookup func(name string) (string, bool)

	// fleetFile is the raw shape of a root or sub-fleet config file. Unknown
	// fields at this level are permitted for forward compatibility.
	fleetFile struct {
		Version   int            `yaml:"version"`
		Fleet     *fleetBlock    `yaml:"fleet"`
		Defaults  map[string]any `yaml:"defaults"`
		Workspace string         `yaml:"workspace"`
		Fleets    []fleetRef     `yaml:"fleets"`
		Agents    []agentRef     `yaml:"agents"`
	}

	fleetBlock struct {
		Name string     `yaml:"name"`
		Web  *WebConfig `yaml:"web"`
	}

	// fleetRef points at a sub-fleet file or directory, optionally renaming
	// it and overriding defaults for its whole subtree.
	fleetRef struct {
		Path      string         `yaml:"path"`
		Name      string         `yaml:"name"`
		Overrides *fleetRefOvers `yaml:"overrides"`
	}

	fleetRefOvers struct {
		Defaults map[string]any `yaml:"defaults"`
	}

	// agentRef points at an agent file, optionally renaming it and
	// overriding individual agent fields.
	agentRef struct {
		Path      string         `yaml:"path"`
		Name      string         `yaml:"name"`
		Overrides map[string]any `yaml:"overrides"`
	}

	// agentSpec is the strict shape of a fully merged agent definition.
	// Unknown fields are rejected here: a typo in an agent file or override
	// block fails the load instead of being silently dropped.
	agentSpec struct {
		Version        int                     `yaml:"version"`
		Name           string                  `yaml:"name"`
		Model          string                  `yaml:"model"`
		MaxTurns       int                     `yaml:"max_turns"`
		MaxConcurrent  int                     `yaml:"max_concurrent"`
		PermissionMode string                  `yaml:"permission_mode"`
		AllowedTools   []string                `yaml:"allowed_tools"`
		DeniedTools    []string                `yaml:"denied_tools"`
		Workspace      string                  `yaml:"workspace"`
		Runtime        string                  `yaml:"runtime"`
		Hooks          map[string]string       `yaml:"hooks"`
		Schedules      map[string]scheduleSpec `yaml:"schedules"`
	}

	scheduleSpec struct {
		Kind     string    `yaml:"kind"`
		Interval *Duration `yaml:"interval"`
		Cron     string    `yaml:"cron"`
		Prompt   string    `yaml:"prompt"`
		Enabled  *bool     `yaml:"enabled"`
	}

	// loader carries load-scoped state: the env lookup and the
	// currently-visiting set used for cycle detection.
	loader struct {
		lookup   Lookup
		visiting []string
	}
)

// cronParser accepts the common 5-field syntax only.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a 5-field cron expression and returns its schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Load reads the fleet configuration rooted at rootPath and resolves it into
// a flat agent list. lookup resolves ${NAME} references; nil means
// os.LookupEnv.
func Load(rootPath string, lookup Lookup) (*ResolvedConfig, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", rootPath, err)
	}
	l := &loader{lookup: lookup}
	file, err := l.readFleetFile(abs)
	if err != nil {
		return nil, err
	}
	cfg := &ResolvedConfig{RootPath: rootPath}
	if file.Fleet != nil {
		cfg.Fleet = FleetMeta{Name: file.Fleet.Name, Web: file.Fleet.Web}
	}
	agents, err := l.resolveFleet(abs, file, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].QualifiedName < agents[j].QualifiedName })
	seen := map[string]bool{}
	for _, a := range agents {
		if seen[a.QualifiedName] {
			return nil, &DuplicateQualifiedAgentError{QualifiedName: a.QualifiedName}
		}
		seen[a.QualifiedName] = true
	}
	cfg.Agents = agents
	return cfg, nil
}

// resolveFleet flattens one fleet node. inherited is the merged ancestor
// defaults chain, refOverride is the accumulated defaults-override carried by
// the fleet references on the path from the root.
func (l *loader) resolveFleet(path string, file *fleetFile, fleetPath []string, inherited, refOverride map[string]any) ([]*Agent, error) {
	dir := filepath.Dir(path)

	base := deepMerge(inherited, file.Defaults)
	if file.Workspace != "" {
		if _, ok := base["workspace"]; !ok {
			base = deepMerge(base, map[string]any{"workspace": file.Workspace})
		}
	}

	var agents []*Agent
	for i, ref := range file.Agents {
		if ref.Path == "" {
			return nil, &SchemaValidationError{File: path, Issues: []Issue{{
				Path: fmt.Sprintf("agents[%d].path", i), Msg: "path is required",
			}}}
		}
		a, err := l.resolveAgent(dir, ref, fleetPath, base, refOverride)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}

	names := map[string]string{}
	for i, ref := range file.Fleets {
		if ref.Path == "" {
			return nil, &SchemaValidationError{File: path, Issues: []Issue{{
				Path: fmt.Sprintf("fleets[%d].path", i), Msg: "path is required",
			}}}
		}
		subPath, err := resolveFleetPath(dir, ref.Path)
		if err != nil {
			return nil, err
		}
		if idx := lo.IndexOf(l.visiting, subPath); idx >= 0 {
			return nil, &FleetCycleError{Chain: append(append([]string{}, l.visiting[idx:]...), subPath)}
		}
		sub, err := l.readFleetFile(subPath)
		if err != nil {
			return nil, err
		}
		name := ref.Name
		if name == "" && sub.Fleet != nil {
			name = sub.Fleet.Name
		}
		if name == "" {
			name = filepath.Base(filepath.Dir(subPath))
		}
		if !ValidName(name) {
			return nil, &SchemaValidationError{File: path, Issues: []Issue{{
				Path: fmt.Sprintf("fleets[%d]", i),
				Msg:  fmt.Sprintf("invalid fleet name %q", name),
			}}}
		}
		if prev, ok := names[name]; ok {
			return nil, &FleetNameCollisionError{Name: name, Paths: []string{prev, subPath}}
		}
		names[name] = subPath

		subOverride := refOverride
		if ref.Overrides != nil && len(ref.Overrides.Defaults) > 0 {
			subOverride = deepMerge(refOverride, ref.Overrides.Defaults)
		}
		l.visiting = append(l.visiting, subPath)
		subAgents, err := l.resolveFleet(subPath, sub, append(append([]string{}, fleetPath...), name), base, subOverride)
		l.visiting = l.visiting[:len(l.visiting)-1]
		if err != nil {
			return nil, err
		}
		agents = append(agents, subAgents...)
	}
	return agents, nil
}

// resolveAgent reads one agent file and merges the full defaults cascade.
// Merge order, lowest priority first: inherited fleet defaults, the agent
// file's own fields, the reference's per-agent overrides, and finally the
// defaults-override block carried by the enclosing fleet reference.
func (l *loader) resolveAgent(dir string, ref agentRef, fleetPath []string, base, refOverride map[string]any) (*Agent, error) {
	path := filepath.Join(dir, ref.Path)
	raw, err := l.readInterpolated(path)
	if err != nil {
		return nil, err
	}
	merged := deepMerge(base, raw)
	merged = deepMerge(merged, ref.Overrides)
	merged = deepMerge(merged, refOverride)

	spec, err := decodeAgentSpec(path, merged)
	if err != nil {
		return nil, err
	}

	name := ref.Name
	if name == "" {
		name = spec.Name
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	var issues []Issue
	if !ValidName(name) {
		issues = append(issues, Issue{Path: "name", Msg: fmt.Sprintf("invalid agent name %q", name)})
	}
	if spec.Version != 0 && spec.Version != 1 {
		issues = append(issues, Issue{Path: "version", Msg: fmt.Sprintf("unsupported version %d", spec.Version)})
	}
	if spec.MaxTurns < 0 {
		issues = append(issues, Issue{Path: "max_turns", Msg: "must not be negative"})
	}
	if spec.MaxConcurrent < 0 {
		issues = append(issues, Issue{Path: "max_concurrent", Msg: "must not be negative"})
	}

	schedules := make(map[string]Schedule, len(spec.Schedules))
	for sname, ss := range spec.Schedules {
		sched, errs := resolveSchedule(sname, ss)
		if len(errs) > 0 {
			issues = append(issues, errs...)
			continue
		}
		schedules[sname] = sched
	}
	if len(issues) > 0 {
		sort.Slice(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
		return nil, &SchemaValidationError{File: path, Issues: issues}
	}

	maxConcurrent := spec.MaxConcurrent
	if maxConcurrent == 0 {
		maxConcurrent = 1
	}
	runtimeTag := spec.Runtime
	if runtimeTag == "" {
		runtimeTag = "sdk"
	}
	return &Agent{
		LocalName:      name,
		FleetPath:      append([]string{}, fleetPath...),
		QualifiedName:  QualifiedName(fleetPath, name),
		Model:          spec.Model,
		MaxTurns:       spec.MaxTurns,
		MaxConcurrent:  maxConcurrent,
		PermissionMode: spec.PermissionMode,
		AllowedTools:   append([]string{}, spec.AllowedTools...),
		DeniedTools:    append([]string{}, spec.DeniedTools...),
		Workspace:      spec.Workspace,
		Runtime:        runtimeTag,
		Hooks:          spec.Hooks,
		Schedules:      schedules,
	}, nil
}

func resolveSchedule(name string, ss scheduleSpec) (Schedule, []Issue) {
	prefix := "schedules." + name
	var issues []Issue
	if !ValidName(name) {
		issues = append(issues, Issue{Path: prefix, Msg: fmt.Sprintf("invalid schedule name %q", name)})
	}
	kind := ScheduleKind(ss.Kind)
	if kind == "" {
		switch {
		case ss.Interval != nil:
			kind = KindInterval
		case ss.Cron != "":
			kind = KindCron
		default:
			issues = append(issues, Issue{Path: prefix, Msg: "kind is required when neither interval nor cron is set"})
		}
	}
	switch kind {
	case KindInterval:
		if ss.Interval == nil || ss.Interval.Std() <= 0 {
			issues = append(issues, Issue{Path: prefix + ".interval", Msg: "must be a strictly positive duration"})
		}
	case KindCron:
		if ss.Cron == "" {
			issues = append(issues, Issue{Path: prefix + ".cron", Msg: "cron expression is required"})
		} else if _, err := ParseCron(ss.Cron); err != nil {
			issues = append(issues, Issue{Path: prefix + ".cron", Msg: fmt.Sprintf("invalid cron expression: %v", err)})
		}
	case KindWebhook, KindChat:
		// Externally fired; nothing to validate beyond the kind itself.
	default:
		if kind != "" {
			issues = append(issues, Issue{Path: prefix + ".kind", Msg: fmt.Sprintf("unknown kind %q", kind)})
		}
	}
	if len(issues) > 0 {
		return Schedule{}, issues
	}
	sched := Schedule{
		Name:    name,
		Kind:    kind,
		Cron:    ss.Cron,
		Prompt:  ss.Prompt,
		Enabled: ss.Enabled == nil || *ss.Enabled,
	}
	if ss.Interval != nil {
		sched.Interval = ss.Interval.Std()
	}
	return sched, nil
}

// decodeAgentSpec strictly decodes the merged agent map, rejecting unknown
// fields with per-field issues.
func decodeAgentSpec(path string, merged map[string]any) (*agentSpec, error) {
	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("%s: re-encode merged agent config: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var spec agentSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, &SchemaValidationError{File: path, Issues: []Issue{{Path: "$", Msg: err.Error()}}}
	}
	return &spec, nil
}

// readFleetFile reads and interpolates a fleet file, then decodes it
// permissively (unknown fleet-level fields are tolerated).
func (l *loader) readFleetFile(path string) (*fleetFile, error) {
	raw, err := l.readInterpolated(path)
	if err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: re-encode fleet config: %w", path, err)
	}
	var file fleetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &SchemaValidationError{File: path, Issues: []Issue{{Path: "$", Msg: err.Error()}}}
	}
	if file.Version != 1 {
		return nil, &SchemaValidationError{File: path, Issues: []Issue{{
			Path: "version", Msg: fmt.Sprintf("unsupported version %d (want 1)", file.Version),
		}}}
	}
	return &file, nil
}

// resolveFleetPath maps a fleet reference to its config file. A directory
// reference resolves to the fleet.yaml file inside it.
func resolveFleetPath(dir, ref string) (string, error) {
	p := filepath.Join(dir, ref)
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("fleet reference %s: %w", ref, err)
	}
	if info.IsDir() {
		p = filepath.Join(p, "fleet.yaml")
	}
	return filepath.Abs(p)
}

// readInterpolated parses a YAML file into generic maps and substitutes
// ${NAME} / ${NAME:-default} on string leaves.
func (l *loader) readInterpolated(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		line, col := yamlErrorPosition(err)
		return nil, &YamlSyntaxError{File: path, Line: line, Col: col, Err: err}
	}
	if doc == nil {
		return map[string]any{}, nil
	}
	out, err := l.interpolate(doc, "$")
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	if !ok {
		return nil, &SchemaValidationError{File: path, Issues: []Issue{{Path: "$", Msg: "top-level value must be a mapping"}}}
	}
	return m, nil
}

var (
	interpRE   = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)
	yamlLineRE = regexp.MustCompile(`line (\d+)`)
)

func yamlErrorPosition(err error) (line, col int) {
	if m := yamlLineRE.FindStringSubmatch(err.Error()); m != nil {
		fmt.Sscanf(m[1], "%d", &line)
	}
	return line, 0
}

// interpolate walks the parsed document substituting variables on string
// leaves only. Default values are literal and never re-interpolated.
func (l *loader) interpolate(v any, path string) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			res, err := l.interpolate(val, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = res
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			res, err := l.interpolate(val, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	case string:
		var undef *UndefinedVariableError
		s := interpRE.ReplaceAllStringFunc(t, func(match string) string {
			m := interpRE.FindStringSubmatch(match)
			name, hasDefault, def := m[1], m[2] != "", m[3]
			if val, ok := l.lookup(name); ok {
				return val
			}
			if hasDefault {
				return def
			}
			if undef == nil {
				undef = &UndefinedVariableError{Name: name, Path: path}
			}
			return ""
		})
		if undef != nil {
			return nil, undef
		}
		return s, nil
	default:
		return v, nil
	}
}

// deepMerge returns a new map with b merged over a. Nested maps merge
// recursively; any other value (including arrays) replaces wholesale.
func deepMerge(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if bm, ok := v.(map[string]any); ok {
			if am, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(am, bm)
				continue
			}
		}
		out[k] = v
	}
	return out
}
