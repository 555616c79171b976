package config

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"fleetvisor/internal/models"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// LoadErrorKind classifies why a manifest was rejected.
type LoadErrorKind string

const (
	DuplicateName LoadErrorKind = "DuplicateName"
	MissingField  LoadErrorKind = "MissingField"
	InvalidValue  LoadErrorKind = "InvalidValue"
)

// Sentinels for errors.Is matching on the kind alone.
var (
	ErrDuplicateName = &LoadError{Kind: DuplicateName}
	ErrMissingField  = &LoadError{Kind: MissingField}
	ErrInvalidValue  = &LoadError{Kind: InvalidValue}
)

// LoadError rejects the whole manifest and names the offending entry.
type LoadError struct {
	Kind  LoadErrorKind
	Index int
	Name  string
	Field string
	Msg   string
}

func (e *LoadError) Error() string {
	entry := fmt.Sprintf("entry %d", e.Index)
	if e.Name != "" {
		entry = fmt.Sprintf("entry %d (%s)", e.Index, e.Name)
	}
	if e.Field != "" {
		return fmt.Sprintf("manifest %s: %s: field %q: %s", entry, e.Kind, e.Field, e.Msg)
	}
	return fmt.Sprintf("manifest %s: %s: %s", entry, e.Kind, e.Msg)
}

func (e *LoadError) Is(target error) bool {
	t, ok := target.(*LoadError)
	return ok && t.Kind == e.Kind
}

// Manifest is the validated fleet definition.
type Manifest struct {
	Workers []models.WorkerSpec
	// Env is the manifest-wide base environment layered under each worker's env.
	Env map[string]string
}

// Names returns worker names in manifest order.
func (m *Manifest) Names() []string {
	names := make([]string, len(m.Workers))
	for i, w := range m.Workers {
		names[i] = w.Name
	}
	return names
}

// TotalInstances is the sum of every worker's instance count.
func (m *Manifest) TotalInstances() int {
	total := 0
	for _, w := range m.Workers {
		total += w.Instances
	}
	return total
}

// LoadManifestFile reads a YAML (or JSON) manifest and validates it.
func LoadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	return LoadManifest(doc)
}

// LoadManifest validates an already-parsed manifest document. The document is
// either a list of worker entries or a mapping holding the list under "apps"
// or "processes" and an optional base "env". Any invalid entry rejects the
// whole manifest.
func LoadManifest(doc any) (*Manifest, error) {
	var (
		entries []any
		baseEnv map[string]string
	)

	switch d := normalize(doc).(type) {
	case []any:
		entries = d
	case map[string]any:
		list, ok := d["apps"]
		if !ok {
			list, ok = d["processes"]
		}
		if !ok {
			return nil, &LoadError{Kind: MissingField, Index: -1, Field: "apps", Msg: "manifest has no worker list"}
		}
		if entries, ok = list.([]any); !ok {
			return nil, &LoadError{Kind: InvalidValue, Index: -1, Field: "apps", Msg: "must be a list"}
		}
		if raw, ok := d["env"]; ok {
			env, err := toEnv(raw)
			if err != nil {
				return nil, &LoadError{Kind: InvalidValue, Index: -1, Field: "env", Msg: err.Error()}
			}
			baseEnv = env
		}
	case nil:
		return nil, &LoadError{Kind: MissingField, Index: -1, Field: "apps", Msg: "manifest is empty"}
	default:
		return nil, &LoadError{Kind: InvalidValue, Index: -1, Msg: fmt.Sprintf("unsupported manifest document %T", doc)}
	}

	specs := make([]models.WorkerSpec, 0, len(entries))
	seen := make(map[string]int, len(entries))
	for i, raw := range entries {
		spec, err := parseEntry(i, raw)
		if err != nil {
			return nil, err
		}
		if first, dup := seen[spec.Name]; dup {
			return nil, &LoadError{
				Kind:  DuplicateName,
				Index: i,
				Name:  spec.Name,
				Field: "name",
				Msg:   fmt.Sprintf("already declared by entry %d", first),
			}
		}
		seen[spec.Name] = i
		specs = append(specs, spec)
	}

	return &Manifest{Workers: specs, Env: baseEnv}, nil
}

func parseEntry(index int, raw any) (models.WorkerSpec, error) {
	entry, ok := raw.(map[string]any)
	if !ok {
		return models.WorkerSpec{}, &LoadError{Kind: InvalidValue, Index: index, Msg: "entry must be a mapping"}
	}

	fail := func(kind LoadErrorKind, name, field, msg string) (models.WorkerSpec, error) {
		return models.WorkerSpec{}, &LoadError{Kind: kind, Index: index, Name: name, Field: field, Msg: msg}
	}

	name, err := stringField(entry, "name")
	if err != nil {
		return fail(InvalidValue, "", "name", err.Error())
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fail(MissingField, "", "name", "required")
	}

	spec := models.WorkerSpec{
		Name:      name,
		Instances: 1,
		AutoStart: true,
	}

	command, err := stringField(entry, "command")
	if err != nil {
		return fail(InvalidValue, name, "command", err.Error())
	}
	script, err := stringField(entry, "script")
	if err != nil {
		return fail(InvalidValue, name, "script", err.Error())
	}
	interpreter, err := stringField(entry, "interpreter")
	if err != nil {
		return fail(InvalidValue, name, "interpreter", err.Error())
	}

	args, err := argsField(entry["args"])
	if err != nil {
		return fail(InvalidValue, name, "args", err.Error())
	}

	switch {
	case command != "":
		spec.Command = command
		spec.Args = args
	case script != "" && interpreter != "" && interpreter != "none":
		spec.Command = interpreter
		spec.Args = append([]string{script}, args...)
	case script != "":
		spec.Command = script
		spec.Args = args
	default:
		return fail(MissingField, name, "command", "required (command or script)")
	}

	if raw, ok := entry["instances"]; ok {
		n, err := instancesValue(raw)
		if err != nil {
			return fail(InvalidValue, name, "instances", err.Error())
		}
		spec.Instances = n
	}

	for _, f := range []struct {
		key string
		dst *bool
	}{
		{"autorestart", &spec.AutoRestart},
		{"autostart", &spec.AutoStart},
		{"time", &spec.TimestampLogs},
	} {
		if raw, ok := entry[f.key]; ok {
			b, ok := raw.(bool)
			if !ok {
				return fail(InvalidValue, name, f.key, "must be a boolean")
			}
			*f.dst = b
		}
	}

	if raw, ok := entry["watch"]; ok {
		switch w := raw.(type) {
		case bool:
			spec.WatchFilesystem = w
		case []any:
			paths, err := stringList(w)
			if err != nil {
				return fail(InvalidValue, name, "watch", err.Error())
			}
			spec.WatchFilesystem = len(paths) > 0
			spec.WatchPaths = paths
		default:
			return fail(InvalidValue, name, "watch", "must be a boolean or a list of paths")
		}
	}
	if raw, ok := entry["watch_paths"]; ok {
		paths, err := stringListValue(raw)
		if err != nil {
			return fail(InvalidValue, name, "watch_paths", err.Error())
		}
		spec.WatchPaths = append(spec.WatchPaths, paths...)
	}
	if raw, ok := entry["ignore_watch"]; ok {
		globs, err := stringListValue(raw)
		if err != nil {
			return fail(InvalidValue, name, "ignore_watch", err.Error())
		}
		spec.IgnoreWatch = globs
	}

	if raw, ok := entry["env"]; ok {
		env, err := toEnv(raw)
		if err != nil {
			return fail(InvalidValue, name, "env", err.Error())
		}
		spec.Environment = env
	}

	if spec.Directory, err = stringField(entry, "cwd"); err != nil {
		return fail(InvalidValue, name, "cwd", err.Error())
	}

	sig, err := stringField(entry, "stop_signal")
	if err != nil {
		return fail(InvalidValue, name, "stop_signal", err.Error())
	}
	if sig != "" {
		normalized, ok := NormalizeSignal(sig)
		if !ok {
			return fail(InvalidValue, name, "stop_signal", fmt.Sprintf("unsupported signal %q", sig))
		}
		spec.StopSignal = normalized
	}

	if raw, ok := entry["kill_timeout"]; ok {
		d, err := durationValue(raw)
		if err != nil {
			return fail(InvalidValue, name, "kill_timeout", err.Error())
		}
		spec.KillTimeout = d
	}

	if raw, ok := entry["max_restarts"]; ok {
		n, err := intValue(raw)
		if err != nil || n < 0 {
			return fail(InvalidValue, name, "max_restarts", "must be a non-negative integer")
		}
		spec.MaxRestarts = n
	}

	return spec, nil
}

var supportedSignals = map[string]bool{
	"SIGTERM": true,
	"SIGINT":  true,
	"SIGQUIT": true,
	"SIGHUP":  true,
	"SIGKILL": true,
	"SIGUSR1": true,
	"SIGUSR2": true,
}

// NormalizeSignal upper-cases a signal name and adds the SIG prefix.
func NormalizeSignal(name string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(s, "SIG") {
		s = "SIG" + s
	}
	return s, supportedSignals[s]
}

// normalize turns map[interface{}]interface{} produced by some decoders into
// map[string]any, recursively.
func normalize(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = normalize(val)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func stringField(entry map[string]any, key string) (string, error) {
	raw, ok := entry[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("must be a string, got %T", raw)
	}
	return s, nil
}

func argsField(raw any) ([]string, error) {
	switch a := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(a) == "" {
			return nil, nil
		}
		return shlex.Split(a)
	case []any:
		return stringList(a)
	default:
		return nil, fmt.Errorf("must be a string or a list of strings, got %T", raw)
	}
}

func stringListValue(raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []any:
		return stringList(v)
	default:
		return nil, fmt.Errorf("must be a list of strings, got %T", raw)
	}
}

func stringList(items []any) ([]string, error) {
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("item %d must be a string, got %T", i, item)
		}
		out = append(out, s)
	}
	return out, nil
}

func toEnv(raw any) (map[string]string, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("must be a mapping, got %T", raw)
	}
	env := make(map[string]string, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" || strings.Contains(k, "=") {
			return nil, fmt.Errorf("invalid variable name %q", k)
		}
		switch v := m[k].(type) {
		case nil:
			env[k] = ""
		case string:
			env[k] = v
		case bool, int, int64, uint64, float64:
			env[k] = fmt.Sprint(v)
		default:
			return nil, fmt.Errorf("variable %q must be a scalar, got %T", k, v)
		}
	}
	return env, nil
}

func instancesValue(raw any) (int, error) {
	if s, ok := raw.(string); ok && strings.EqualFold(s, "max") {
		return runtime.NumCPU(), nil
	}
	n, err := intValue(raw)
	if err != nil {
		return 0, err
	}
	if n == -1 {
		return runtime.NumCPU(), nil
	}
	if n < 1 {
		return 0, fmt.Errorf("must be >= 1, got %d", n)
	}
	return n, nil
}

func intValue(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		if v > math.MaxInt32 {
			return 0, fmt.Errorf("value %d out of range", v)
		}
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("must be an integer, got %v", v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("must be an integer, got %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("must be an integer, got %T", raw)
	}
}

// durationValue accepts Go duration strings or integer milliseconds.
func durationValue(raw any) (time.Duration, error) {
	if s, ok := raw.(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			if d < 0 {
				return 0, fmt.Errorf("must not be negative")
			}
			return d, nil
		}
	}
	ms, err := intValue(raw)
	if err != nil {
		return 0, fmt.Errorf("must be a duration or milliseconds")
	}
	if ms < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return time.Duration(ms) * time.Millisecond, nil
}
