// Package config parses the daemon's TOML configuration file into a typed
// options tree and derives the per-mirror settings (template substitution,
// provider/hook wiring) that the rest of the system consumes.
//
// Parsing itself is treated as an external collaborator: this package's
// job stops at handing back a validated *Settings value.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

var (
	ErrFileMissing     = errors.New("config file does not exist or cannot be opened")
	ErrFileMalformed   = errors.New("config file is malformed TOML")
	ErrUnknownFields   = errors.New("config file contains unrecognized fields")
	ErrMissingUpstream = errors.New("rsync/two_stage_rsync provider requires upstream_url")
	ErrMissingCommand  = errors.New("shell provider requires command")
	ErrUnknownProvider = errors.New("unrecognized provider_kind")
)

// ProviderKind enumerates the supported transfer strategies for a mirror.
type ProviderKind string

const (
	ProviderRsync         ProviderKind = "rsync"
	ProviderTwoStageRsync ProviderKind = "two_stage_rsync"
	ProviderShell         ProviderKind = "shell"
)

// Global holds settings shared by every mirror.
type Global struct {
	MirrorRoot string `toml:"mirror_root"`
	LocalDir   string `toml:"local_dir"`
	LogDir     string `toml:"log_dir"`
	Concurrent int    `toml:"concurrent"`
	Interval   int    `toml:"interval"` // minutes
	MaxRetry   int    `toml:"max_retry"`
	UseBtrfs   bool   `toml:"use_btrfs"`
	StatusFile string `toml:"status_file"`
	CtrlAddr   string `toml:"ctrl_addr"`
}

// Btrfs holds the copy-on-write volume templates.
type Btrfs struct {
	ServiceDir string `toml:"service_dir"`
	WorkingDir string `toml:"working_dir"`
	GCDir      string `toml:"gc_dir"`
}

// MirrorRaw is a single `[[mirrors]]` table, as decoded straight off the
// wire before template substitution or derived-field computation.
type MirrorRaw struct {
	Name           string       `toml:"name"`
	Provider       ProviderKind `toml:"provider"`
	Upstream       string       `toml:"upstream"`
	Command        string       `toml:"command"`
	LocalDir       string       `toml:"local_dir"`
	LogFile        string       `toml:"log_file"`
	Interval       int          `toml:"interval"`
	Delay          int          `toml:"delay"`
	MaxRetry       int          `toml:"max_retry"`
	UseIPv6        bool         `toml:"use_ipv6"`
	ExcludeFile    string       `toml:"exclude_file"`
	Password       string       `toml:"password"`
	UseBtrfs       *bool        `toml:"use_btrfs"`
	LogStdout      bool         `toml:"log_stdout"`
	Stage1Profile  string       `toml:"stage1_profile"`
}

// Settings is the parsed-and-decoded, but not yet derived, options tree.
type Settings struct {
	Global  Global      `toml:"global"`
	Btrfs   Btrfs       `toml:"btrfs"`
	Mirrors []MirrorRaw `toml:"mirrors"`
}

// Load reads and strictly decodes a TOML configuration file, rejecting any
// keys it does not recognize.
func Load(path string) (*Settings, error) {
	var s Settings

	meta, err := toml.DecodeFile(path, &s)
	if err != nil {
		if errors.Is(err, toml.ErrParse) {
			return nil, fmt.Errorf("%w: %q: %w", ErrFileMalformed, path, err)
		}

		return nil, fmt.Errorf("%w: %q: %w", ErrFileMissing, path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}

		return nil, fmt.Errorf("%w: %s", ErrUnknownFields, strings.Join(keys, ", "))
	}

	return &s, nil
}

// MirrorConfig is the fully-derived, immutable configuration for one
// mirror: template placeholders have been substituted and provider/hook
// requirements validated. Equality by deep field compare decides whether a
// reload restarts a worker (see Equal).
type MirrorConfig struct {
	Name          string
	Provider      ProviderKind
	UpstreamURL   string
	Command       string
	LocalDir      string
	LogDir        string
	LogFileTmpl   string
	IntervalMin   int
	DelaySec      int
	MaxRetry      int
	UseSnapshot   bool
	ExcludeFile   string
	Password      string
	UseIPv6       bool
	LogStdout     bool
	Stage1Profile string

	ServiceDirTmpl string
	WorkingDirTmpl string
	GCDirTmpl      string
}

// Derive expands templates and validates provider-specific invariants for a
// single raw mirror table, given the global settings and btrfs templates.
func Derive(g Global, b Btrfs, raw MirrorRaw) (MirrorConfig, error) {
	mc := MirrorConfig{
		Name:          raw.Name,
		Provider:      raw.Provider,
		UpstreamURL:   raw.Upstream,
		Command:       raw.Command,
		IntervalMin:   raw.Interval,
		DelaySec:      raw.Delay,
		MaxRetry:      raw.MaxRetry,
		ExcludeFile:   raw.ExcludeFile,
		Password:      raw.Password,
		UseIPv6:       raw.UseIPv6,
		LogStdout:     raw.LogStdout,
		Stage1Profile: raw.Stage1Profile,
	}

	switch mc.Provider {
	case ProviderRsync, ProviderTwoStageRsync:
		if mc.UpstreamURL == "" {
			return MirrorConfig{}, fmt.Errorf("%w: mirror %q", ErrMissingUpstream, mc.Name)
		}
	case ProviderShell:
		if mc.Command == "" {
			return MirrorConfig{}, fmt.Errorf("%w: mirror %q", ErrMissingCommand, mc.Name)
		}
	default:
		return MirrorConfig{}, fmt.Errorf("%w: mirror %q: %q", ErrUnknownProvider, mc.Name, mc.Provider)
	}

	if mc.IntervalMin == 0 {
		mc.IntervalMin = g.Interval
	}
	if mc.MaxRetry == 0 {
		mc.MaxRetry = g.MaxRetry
	}

	if raw.UseBtrfs != nil {
		mc.UseSnapshot = *raw.UseBtrfs
	} else {
		mc.UseSnapshot = g.UseBtrfs
	}

	localDirTmpl := raw.LocalDir
	if localDirTmpl == "" {
		localDirTmpl = g.LocalDir
	}
	mc.LocalDir = substitute(localDirTmpl, g.MirrorRoot, mc.Name, "")

	logDir := g.LogDir
	mc.LogDir = filepath.Join(substitute(logDir, g.MirrorRoot, mc.Name, ""), mc.Name)

	logFileTmpl := raw.LogFile
	if logFileTmpl == "" {
		logFileTmpl = filepath.Join(mc.LogDir, mc.Name+"_{date}.log")
	}
	mc.LogFileTmpl = substitute(logFileTmpl, g.MirrorRoot, mc.Name, "")

	if mc.UseSnapshot {
		mc.ServiceDirTmpl = substitute(b.ServiceDir, g.MirrorRoot, mc.Name, "")
		mc.WorkingDirTmpl = substitute(b.WorkingDir, g.MirrorRoot, mc.Name, "")
		mc.GCDirTmpl = substitute(b.GCDir, g.MirrorRoot, mc.Name, "")
	}

	return mc, nil
}

// substitute replaces {mirror_root}, {mirror_name}, and {date} placeholders
// in a template string. date is typically left empty here and filled in
// later (log file names are stamped per sync iteration, not at load time).
func substitute(tmpl, mirrorRoot, mirrorName, date string) string {
	r := strings.NewReplacer(
		"{mirror_root}", mirrorRoot,
		"{mirror_name}", mirrorName,
		"{date}", date,
	)

	return r.Replace(tmpl)
}

// Equal performs the deep field compare that decides whether a reload
// should restart a worker for this mirror.
func (mc MirrorConfig) Equal(other MirrorConfig) bool {
	return mc == other
}

// DeriveAll derives every mirror in Settings, stopping at the first error.
func DeriveAll(s *Settings) (map[string]MirrorConfig, error) {
	out := make(map[string]MirrorConfig, len(s.Mirrors))

	for _, raw := range s.Mirrors {
		mc, err := Derive(s.Global, s.Btrfs, raw)
		if err != nil {
			return nil, err
		}

		out[mc.Name] = mc
	}

	return out, nil
}
