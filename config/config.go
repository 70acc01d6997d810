// Package config loads and resolves hierarchical fleet configurations.
//
// A fleet configuration is a root YAML file plus referenced sub-fleet and
// agent files. Loading validates every file, interpolates environment
// variables, detects composition cycles, qualifies agent names with their
// fleet path, and cascades defaults into a flat, immutable ResolvedConfig.
// The resolver never mutates a ResolvedConfig after returning it; hot reload
// produces a fresh snapshot and the caller swaps pointers.
package config

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// ResolvedConfig is the immutable flattened snapshot produced by Load.
	// Agents are sorted by qualified name and carry fully merged execution
	// configuration; the fleet hierarchy itself is flattened away.
	ResolvedConfig struct {
		// Agents lists every agent in the fleet, each with a unique
		// qualified name.
		Agents []*Agent
		// Fleet carries root-fleet metadata (display name, dashboard block).
		Fleet FleetMeta
		// RootPath is the root config file Load was given. Reload re-reads
		// from this path.
		RootPath string
	}

	// FleetMeta is root-fleet metadata that survives resolution.
	FleetMeta struct {
		// Name is the optional display name of the root fleet. It does not
		// participate in agent name qualification.
		Name string
		// Web is the dashboard block, honored on the root fleet only. Web
		// blocks on sub-fleets are dropped during resolution.
		Web *WebConfig
	}

	// WebConfig describes the dashboard an external collaborator serves.
	// The core only carries it; it never binds sockets itself.
	WebConfig struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host,omitempty"`
		Port    int    `yaml:"port,omitempty"`
	}

	// Agent is the resolved, immutable execution profile for one agent.
	Agent struct {
		// LocalName is the agent's name within its own fleet.
		LocalName string
		// FleetPath is the ordered list of ancestor fleet names. Empty for
		// agents declared on the root fleet.
		FleetPath []string
		// QualifiedName is FleetPath joined with LocalName using dots. It is
		// unique across the resolved fleet.
		QualifiedName string

		// Model is the model identifier passed to the runtime adapter.
		Model string
		// MaxTurns caps the number of agent turns per job. Zero means the
		// runtime default.
		MaxTurns int
		// MaxConcurrent caps simultaneously running jobs for this agent.
		// Defaults to 1.
		MaxConcurrent int
		// PermissionMode selects the runtime permission posture (for example
		// "default", "acceptEdits", "bypassPermissions").
		PermissionMode string
		// AllowedTools and DeniedTools are passed through to the runtime.
		AllowedTools []string
		DeniedTools  []string
		// Workspace is the working directory jobs run in. Sessions record it
		// to detect drift.
		Workspace string
		// Runtime tags which adapter drives this agent ("sdk", "cli", ...).
		Runtime string
		// Hooks maps lifecycle hook names to shell commands the runtime runs.
		Hooks map[string]string
		// Schedules maps schedule name to its resolved definition.
		Schedules map[string]Schedule
	}

	// Schedule is a named triggering rule attached to an agent. Only
	// interval and cron schedules are polled; webhook and chat schedules are
	// fired by external collaborators.
	Schedule struct {
		// Name is unique within the owning agent.
		Name string
		// Kind is one of KindInterval, KindCron, KindWebhook, KindChat.
		Kind ScheduleKind
		// Interval is the polling period for interval schedules. Always
		// strictly positive when Kind is KindInterval.
		Interval time.Duration
		// Cron is the 5-field cron expression for cron schedules.
		Cron string
		// Prompt is the optional prompt template used when this schedule
		// fires.
		Prompt string
		// Enabled defaults to true.
		Enabled bool
	}

	// ScheduleKind discriminates the closed set of schedule variants.
	ScheduleKind string

	// Duration is a config-surface duration restricted to the
	// "<digits><unit>" grammar with unit one of s, m, h, d. Mixed units
	// ("1h30m") are refused to keep config files unambiguous.
	Duration time.Duration
)

const (
	// KindInterval fires every fixed period.
	KindInterval ScheduleKind = "interval"
	// KindCron fires per a 5-field cron expression.
	KindCron ScheduleKind = "cron"
	// KindWebhook is fired externally via the manager trigger API.
	KindWebhook ScheduleKind = "webhook"
	// KindChat is fired by chat connectors via the manager trigger API.
	KindChat ScheduleKind = "chat"
)

// nameRE is the shared validity pattern for fleet and agent names. No dots,
// no leading hyphen or underscore: names are path and qualified-name safe.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidName reports whether s is a valid fleet or agent name.
func ValidName(s string) bool { return nameRE.MatchString(s) }

// QualifiedName joins a fleet path and local name with dots.
func QualifiedName(fleetPath []string, local string) string {
	if len(fleetPath) == 0 {
		return local
	}
	return strings.Join(fleetPath, ".") + "." + local
}

var durationRE = regexp.MustCompile(`^([0-9]+)([smhd])$`)

// ParseDuration parses the config duration grammar: one or more digits
// followed by exactly one unit of s, m, h or d.
func ParseDuration(s string) (Duration, error) {
	m := durationRE.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: want <digits><unit> with unit one of s, m, h, d", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	return Duration(time.Duration(n) * unit), nil
}

// UnmarshalYAML decodes either a quoted duration string ("30m") or a bare
// integer interpreted as seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		var n int64
		if err2 := node.Decode(&n); err2 != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalYAML renders the duration using the largest unit that divides it
// evenly, preferring seconds when nothing larger fits.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// String implements fmt.Stringer using the config grammar.
func (d Duration) String() string {
	v := time.Duration(d)
	switch {
	case v >= 24*time.Hour && v%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", v/(24*time.Hour))
	case v >= time.Hour && v%time.Hour == 0:
		return fmt.Sprintf("%dh", v/time.Hour)
	case v >= time.Minute && v%time.Minute == 0:
		return fmt.Sprintf("%dm", v/time.Minute)
	default:
		return fmt.Sprintf("%ds", v/time.Second)
	}
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Agent lookup helpers on ResolvedConfig. Both are read-only and safe for
// concurrent use once the snapshot is published.

// AgentByQualifiedName returns the agent with the given qualified name, or
// nil when absent.
func (c *ResolvedConfig) AgentByQualifiedName(q string) *Agent {
	for _, a := range c.Agents {
		if a.QualifiedName == q {
			return a
		}
	}
	return nil
}

// AgentByLocalName returns the agent whose local name is name when exactly
// one agent carries it; otherwise it returns nil and the count of matches.
func (c *ResolvedConfig) AgentByLocalName(name string) (*Agent, int) {
	var found *Agent
	n := 0
	for _, a := range c.Agents {
		if a.LocalName == name {
			found = a
			n++
		}
	}
	if n != 1 {
		return nil, n
	}
	return found, n
}

// PolledSchedules returns the agent's interval and cron schedules sorted by
// name. Webhook and chat schedules are excluded.
func (a *Agent) PolledSchedules() []Schedule {
	out := make([]Schedule, 0, len(a.Schedules))
	for _, s := range a.Schedules {
		if s.Kind == KindInterval || s.Kind == KindCron {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
