// Package config loads the gateway configuration from struct tag defaults,
// a YAML or JSON file, and environment variables, in that order of
// precedence (later wins).
//
// Three struct tags drive the loader:
//
//   - `env:"NAME"` binds a field to an environment variable. On a nested
//     struct the tag becomes a prefix for the struct's own fields.
//   - `envDefault:"value"` applies when the field is still zero.
//   - `required:"true"` fails loading when the field ends up zero.
//
// A variable NAME_FILE is read as a file path whose trimmed content is the
// value of NAME, which is how mounted Kubernetes secrets are consumed. Inside
// a config file, ${NAME} is replaced with the environment variable NAME
// before parsing.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/stricklysoft-delegation/pkg/errors"
)

var durationType = reflect.TypeOf(time.Duration(0))

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Loader resolves one configuration struct. It is not safe for concurrent
// use.
type Loader struct {
	envPrefix string
	filePath  string
	lookup    func(string) (string, bool)
	readFile  func(string) ([]byte, error)
}

// New returns a loader that reads the process environment and no file.
func New() *Loader {
	return &Loader{lookup: os.LookupEnv, readFile: os.ReadFile}
}

// WithEnvPrefix prepends PREFIX_ to every variable name. The prefix is
// uppercased.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets the config file. The format follows the extension (.yaml,
// .yml or .json). A missing file is not an error.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// WithLookup replaces os.LookupEnv.
func (l *Loader) WithLookup(lookup func(string) (string, bool)) *Loader {
	l.lookup = lookup
	return l
}

// Load fills cfg, which must be a non-nil pointer to a struct, then checks
// required fields and calls cfg's Validate method if it has one.
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()

	if err := walk(rv, "", "", applyDefault); err != nil {
		return err
	}
	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}
	if err := walk(rv, "", l.envPrefix, l.applyEnv); err != nil {
		return err
	}
	return validate(cfg, rv)
}

// MustLoad loads a T or panics. It is meant for main.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg any) error {
	if slices.Contains(strings.Split(filepath.ToSlash(l.filePath), "/"), "..") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: file path must not contain directory traversal (..) sequences")
	}

	data, err := l.readFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "config: failed to read file %q", l.filePath)
	}
	if data, err = l.expand(data); err != nil {
		return err
	}

	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "config: failed to parse YAML file %q", l.filePath)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "config: failed to parse JSON file %q", l.filePath)
		}
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}
	return nil
}

// expand substitutes ${NAME} placeholders. An unset variable is an error so
// a missing secret never becomes an empty string.
func (l *Loader) expand(data []byte) ([]byte, error) {
	var missing string
	out := placeholder.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(placeholder.FindSubmatch(m)[1])
		v, ok := l.lookup(name)
		if !ok && missing == "" {
			missing = name
		}
		return []byte(v)
	})
	if missing != "" {
		return nil, sserr.Newf(sserr.CodeInternalConfiguration,
			"config: file %q references unset variable %q", l.filePath, missing)
	}
	return out, nil
}

// field is one settable leaf of a configuration struct.
type field struct {
	value reflect.Value
	tag   reflect.StructTag
	path  string
	env   string
}

// walk visits every settable non-struct field below rv. Nested env tags
// accumulate into the variable name with "_".
func walk(rv reflect.Value, path, prefix string, visit func(field) error) error {
	rt := rv.Type()
	for i := range rt.NumField() {
		sf := rt.Field(i)
		fv := rv.Field(i)
		if !fv.CanSet() {
			continue
		}
		p := join(path, sf.Name, ".")
		env := sf.Tag.Get("env")
		if env != "" {
			env = join(prefix, env, "_")
		}
		if fv.Kind() == reflect.Struct {
			nested := prefix
			if env != "" {
				nested = env
			}
			if err := walk(fv, p, nested, visit); err != nil {
				return err
			}
			continue
		}
		if err := visit(field{value: fv, tag: sf.Tag, path: p, env: env}); err != nil {
			return err
		}
	}
	return nil
}

func join(prefix, name, sep string) string {
	if prefix == "" {
		return name
	}
	return prefix + sep + name
}

func applyDefault(f field) error {
	def, ok := f.tag.Lookup("envDefault")
	if !ok || !f.value.IsZero() {
		return nil
	}
	if err := setField(f.value, def); err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to apply default for field %q", f.path)
	}
	return nil
}

func (l *Loader) applyEnv(f field) error {
	if f.env == "" {
		return nil
	}
	val, ok := l.lookup(f.env)
	source := f.env
	if !ok {
		path, fileOK := l.lookup(f.env + "_FILE")
		if !fileOK {
			return nil
		}
		data, err := l.readFile(path)
		if err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to read %s_FILE", f.env)
		}
		val, source = strings.TrimSpace(string(data)), f.env+"_FILE"
	}
	if err := setField(f.value, val); err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to set field %q from env var %q", f.path, source)
	}
	return nil
}

// setField parses value into a string, bool, integer, float, duration or
// string slice field. Named types with those kinds work too.
func setField(v reflect.Value, value string) error {
	if v.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		v.SetInt(int64(d))
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse unsigned integer %q: %w", value, err)
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(value, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse float %q: %w", value, err)
		}
		v.SetFloat(n)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", v.Type().Elem().Kind())
		}
		var parts []string
		for p := range strings.SplitSeq(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		s := reflect.MakeSlice(v.Type(), len(parts), len(parts))
		for i, p := range parts {
			s.Index(i).SetString(p)
		}
		v.Set(s)
	default:
		return fmt.Errorf("unsupported field type %s", v.Kind())
	}
	return nil
}
