// Package config decodes the daemon's YAML configuration file using a
// viper + mapstructure discriminated-union style: a generic decodeTo[T]
// helper feeding typed structs, with per-kind validation happening after
// decode.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// MonitorKind discriminates ProcessConfig.Monitor.
type MonitorKind string

const (
	MonitorPid            MonitorKind = "pid"
	MonitorNetwork        MonitorKind = "network"
	MonitorExitTracepoint MonitorKind = "ebpf"
)

// RecoveryKind discriminates ProcessConfig.Recovery.
type RecoveryKind string

const (
	RecoveryRegular    RecoveryKind = "regular"
	RecoveryNotRegular RecoveryKind = "notregular"
)

// DependencyKind discriminates DependencyEdge.Kind.
type DependencyKind string

const (
	DependencyRequires DependencyKind = "requires"
	DependencyAfter    DependencyKind = "after"
)

// OnFailure discriminates DependencyEdge.OnFailure.
type OnFailure string

const (
	OnFailureAbort   OnFailure = "abort"
	OnFailureSkip    OnFailure = "skip"
	OnFailureDegrade OnFailure = "degrade"
)

// MonitorSpec is the decoded sum-type monitor specification for a target.
type MonitorSpec struct {
	Kind MonitorKind

	// Pid
	PIDFilePath string
	// Network
	TargetURL string
	// Pid / Network share Interval.
	Interval time.Duration
}

// RecoverySpec is the decoded sum-type recovery policy for a target.
type RecoverySpec struct {
	Kind RecoveryKind

	// Regular only.
	Retries         int
	RetryWindow     time.Duration
	CooldownSeconds time.Duration
}

// DependencyEdge is a single declared dependency of a target on another.
type DependencyEdge struct {
	Target      string
	Kind        DependencyKind
	Hard        bool
	MaxWait     time.Duration
	OnFailure   OnFailure
}

// ProcessConfig is a single target's fully decoded, validated declaration.
type ProcessConfig struct {
	Name        string
	Enabled     bool
	Command     string
	Args        []string
	RunAsUser   string
	RunAsRoot   bool
	WorkingDir  string
	Monitor     MonitorSpec
	Recovery    RecoverySpec
	Dependencies []DependencyEdge
}

// AuthConfig gates the admin API behind a single configured identity.
type AuthConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	AdminUser        string        `mapstructure:"admin_user"`
	AdminPasswordHash string       `mapstructure:"admin_password_hash"`
	JWTSecret        string        `mapstructure:"jwt_secret"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
}

// ServerConfig configures the optional admin HTTP API.
type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	Auth     *AuthConfig `mapstructure:"auth"`
}

// HistoryConfig configures the optional audit-trail sink.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Config is the top-level decoded configuration document.
type Config struct {
	LogLevel          string          `mapstructure:"log_level"`
	LogDirectory      string          `mapstructure:"log_directory"`
	PIDFileDirectory  string          `mapstructure:"pid_file_directory"`
	WorkingDirectory  string          `mapstructure:"working_directory"`
	EBPFObjectPath    string          `mapstructure:"ebpf_object_path"`
	Server            *ServerConfig   `mapstructure:"server"`
	History           *HistoryConfig  `mapstructure:"history"`
	RawProcesses      []rawProcess    `mapstructure:"processes"`

	Processes  []ProcessConfig
	ConfigPath string
}

// rawProcess mirrors the YAML shape before the discriminated unions
// (monitor/recovery/dependencies) are decoded and defaulted.
type rawProcess struct {
	Name         string         `mapstructure:"name"`
	Enabled      bool           `mapstructure:"enabled"`
	Command      string         `mapstructure:"command"`
	Args         []string       `mapstructure:"args"`
	RunAsUser    string         `mapstructure:"run_as_user"`
	RunAsRoot    bool           `mapstructure:"run_as_root"`
	WorkingDir   string         `mapstructure:"working_dir"`
	Monitor      map[string]any `mapstructure:"monitor"`
	Recovery     map[string]any `mapstructure:"recovery"`
	Dependencies []any          `mapstructure:"dependencies"`
}

// decodeTo decodes a map[string]any into T, the same generic helper shape
// feeding the discriminated monitor/recovery/dependency unions below.
func decodeTo[T any](m map[string]any) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(m); err != nil {
		return out, err
	}
	return out, nil
}

// Load reads and fully validates the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.RawProcesses))
	cfg.Processes = make([]ProcessConfig, 0, len(cfg.RawProcesses))
	for _, rp := range cfg.RawProcesses {
		pc, err := decodeProcess(rp)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[pc.Name]; dup {
			return nil, fmt.Errorf("duplicate process name %q", pc.Name)
		}
		seen[pc.Name] = struct{}{}
		cfg.Processes = append(cfg.Processes, pc)
	}

	// Dependency edges to unknown targets are not a load-time error: they
	// are ignored with a warning at decision time by the coordinator.

	cfg.ConfigPath = path
	return &cfg, nil
}

func decodeProcess(rp rawProcess) (ProcessConfig, error) {
	var zero ProcessConfig
	name := strings.TrimSpace(rp.Name)
	if name == "" {
		return zero, fmt.Errorf("process requires name")
	}
	if strings.TrimSpace(rp.Command) == "" {
		return zero, fmt.Errorf("process %q requires command", name)
	}

	mon, err := decodeMonitor(name, rp.Monitor)
	if err != nil {
		return zero, err
	}
	rec, err := decodeRecovery(name, rp.Recovery)
	if err != nil {
		return zero, err
	}
	deps, err := decodeDependencies(name, rp.Dependencies)
	if err != nil {
		return zero, err
	}

	return ProcessConfig{
		Name:         name,
		Enabled:      rp.Enabled,
		Command:      rp.Command,
		Args:         rp.Args,
		RunAsUser:    rp.RunAsUser,
		RunAsRoot:    rp.RunAsRoot,
		WorkingDir:   rp.WorkingDir,
		Monitor:      mon,
		Recovery:     rec,
		Dependencies: deps,
	}, nil
}

type monitorRaw struct {
	Type         string `mapstructure:"type"`
	PIDFilePath  string `mapstructure:"pid_file_path"`
	TargetURL    string `mapstructure:"target_url"`
	IntervalSecs int    `mapstructure:"interval_secs"`
}

func decodeMonitor(procName string, m map[string]any) (MonitorSpec, error) {
	var zero MonitorSpec
	if m == nil {
		return zero, fmt.Errorf("process %q requires a monitor block", procName)
	}
	raw, err := decodeTo[monitorRaw](m)
	if err != nil {
		return zero, fmt.Errorf("process %q: decode monitor: %w", procName, err)
	}
	switch strings.ToLower(strings.TrimSpace(raw.Type)) {
	case "pid":
		if raw.PIDFilePath == "" {
			return zero, fmt.Errorf("process %q: pid monitor requires pid_file_path", procName)
		}
		interval := raw.IntervalSecs
		if interval <= 0 {
			interval = 2
		}
		return MonitorSpec{Kind: MonitorPid, PIDFilePath: raw.PIDFilePath, Interval: time.Duration(interval) * time.Second}, nil
	case "network":
		if raw.TargetURL == "" {
			return zero, fmt.Errorf("process %q: network monitor requires target_url", procName)
		}
		interval := raw.IntervalSecs
		if interval <= 0 {
			interval = 5
		}
		return MonitorSpec{Kind: MonitorNetwork, TargetURL: raw.TargetURL, Interval: time.Duration(interval) * time.Second}, nil
	case "ebpf":
		return MonitorSpec{Kind: MonitorExitTracepoint}, nil
	default:
		return zero, fmt.Errorf("process %q: unknown monitor type %q (allowed: pid, network, ebpf)", procName, raw.Type)
	}
}

type recoveryRaw struct {
	Type            string `mapstructure:"type"`
	Retries         int    `mapstructure:"retries"`
	RetryWindowSecs int    `mapstructure:"retry_window_secs"`
	CooldownSecs    int    `mapstructure:"cooldown_secs"`
}

func decodeRecovery(procName string, m map[string]any) (RecoverySpec, error) {
	if m == nil {
		return RecoverySpec{Kind: RecoveryNotRegular}, nil
	}
	raw, err := decodeTo[recoveryRaw](m)
	if err != nil {
		return RecoverySpec{}, fmt.Errorf("process %q: decode recovery: %w", procName, err)
	}
	switch strings.ToLower(strings.TrimSpace(raw.Type)) {
	case "regular":
		if raw.Retries <= 0 || raw.RetryWindowSecs <= 0 || raw.CooldownSecs <= 0 {
			return RecoverySpec{}, fmt.Errorf("process %q: regular recovery requires positive retries, retry_window_secs, cooldown_secs", procName)
		}
		return RecoverySpec{
			Kind:            RecoveryRegular,
			Retries:         raw.Retries,
			RetryWindow:     time.Duration(raw.RetryWindowSecs) * time.Second,
			CooldownSeconds: time.Duration(raw.CooldownSecs) * time.Second,
		}, nil
	case "", "notregular":
		return RecoverySpec{Kind: RecoveryNotRegular}, nil
	default:
		return RecoverySpec{}, fmt.Errorf("process %q: unknown recovery type %q (allowed: regular, notregular)", procName, raw.Type)
	}
}

type dependencyRaw struct {
	Target      string `mapstructure:"target"`
	Kind        string `mapstructure:"kind"`
	Hard        *bool  `mapstructure:"hard"`
	MaxWaitSecs *int   `mapstructure:"max_wait_secs"`
	OnFailure   string `mapstructure:"on_failure"`
}

// decodeDependencies accepts either a bare target-name string or a full
// object per entry: a `string | { target, ... }` union.
func decodeDependencies(procName string, raw []any) ([]DependencyEdge, error) {
	out := make([]DependencyEdge, 0, len(raw))
	for _, item := range raw {
		var dr dependencyRaw
		switch v := item.(type) {
		case string:
			dr = dependencyRaw{Target: v}
		case map[string]any:
			decoded, err := decodeTo[dependencyRaw](v)
			if err != nil {
				return nil, fmt.Errorf("process %q: decode dependency: %w", procName, err)
			}
			dr = decoded
		default:
			return nil, fmt.Errorf("process %q: dependency entry must be a string or object", procName)
		}
		if strings.TrimSpace(dr.Target) == "" {
			return nil, fmt.Errorf("process %q: dependency requires target", procName)
		}

		kind := DependencyRequires
		if strings.TrimSpace(dr.Kind) != "" {
			switch strings.ToLower(dr.Kind) {
			case "requires":
				kind = DependencyRequires
			case "after":
				kind = DependencyAfter
			default:
				return nil, fmt.Errorf("process %q: unknown dependency kind %q", procName, dr.Kind)
			}
		}

		hard := true
		if dr.Hard != nil {
			hard = *dr.Hard
		}

		maxWait := 30 * time.Second
		if dr.MaxWaitSecs != nil {
			maxWait = time.Duration(*dr.MaxWaitSecs) * time.Second
		}

		onFailure := OnFailureAbort
		if strings.TrimSpace(dr.OnFailure) != "" {
			switch strings.ToLower(dr.OnFailure) {
			case "abort":
				onFailure = OnFailureAbort
			case "skip":
				onFailure = OnFailureSkip
			case "degrade":
				onFailure = OnFailureDegrade
			default:
				return nil, fmt.Errorf("process %q: unknown on_failure %q", procName, dr.OnFailure)
			}
		}

		out = append(out, DependencyEdge{
			Target:    dr.Target,
			Kind:      kind,
			Hard:      hard,
			MaxWait:   maxWait,
			OnFailure: onFailure,
		})
	}
	return out, nil
}
