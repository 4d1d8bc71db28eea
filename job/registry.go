package job

import (
	"encoding/json"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/observatorio-andes/snowflow/errors"
)

// Registry holds the immutable set of job types loaded from the catalog.
type Registry struct {
	types map[string]*Type
	order []string
}

// catalogFile mirrors the TOML job catalog on disk.
type catalogFile struct {
	Job []catalogEntry `toml:"job"`
}

type catalogEntry struct {
	Name        string                 `toml:"name"`
	Cadence     string                 `toml:"cadence"`
	MaxAttempts int                    `toml:"max_attempts"`
	Backoff     string                 `toml:"backoff"`
	Timeout     string                 `toml:"timeout"`
	Params      map[string]interface{} `toml:"params"`
}

// LoadRegistry reads the job catalog from a TOML file and validates every
// entry. The returned registry is immutable.
func LoadRegistry(path string) (*Registry, error) {
	var file catalogFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to read job catalog %s", path)
	}
	return buildRegistry(file)
}

// LoadRegistryFromString parses a catalog from TOML text. Used in tests and
// for catalog validation without touching disk.
func LoadRegistryFromString(data string) (*Registry, error) {
	var file catalogFile
	if _, err := toml.Decode(data, &file); err != nil {
		return nil, errors.Wrap(err, "failed to parse job catalog")
	}
	return buildRegistry(file)
}

func buildRegistry(file catalogFile) (*Registry, error) {
	if len(file.Job) == 0 {
		return nil, errors.New("job catalog defines no job types")
	}

	reg := &Registry{types: make(map[string]*Type, len(file.Job))}
	for _, entry := range file.Job {
		if entry.Name == "" {
			return nil, errors.New("job catalog entry missing name")
		}
		if _, exists := reg.types[entry.Name]; exists {
			return nil, errors.Newf("duplicate job type %q in catalog", entry.Name)
		}

		cadence, err := ParseCadence(entry.Cadence)
		if err != nil {
			return nil, errors.Wrapf(err, "job type %q", entry.Name)
		}

		jt := &Type{
			Name:        entry.Name,
			Cadence:     cadence,
			MaxAttempts: entry.MaxAttempts,
		}
		if jt.MaxAttempts <= 0 {
			jt.MaxAttempts = 1
		}

		if entry.Backoff != "" {
			jt.Backoff, err = time.ParseDuration(entry.Backoff)
			if err != nil {
				return nil, errors.Wrapf(err, "job type %q: invalid backoff", entry.Name)
			}
		}
		if entry.Timeout != "" {
			jt.Timeout, err = time.ParseDuration(entry.Timeout)
			if err != nil {
				return nil, errors.Wrapf(err, "job type %q: invalid timeout", entry.Name)
			}
		}

		if len(entry.Params) > 0 {
			jt.Params, err = json.Marshal(entry.Params)
			if err != nil {
				return nil, errors.Wrapf(err, "job type %q: invalid params", entry.Name)
			}
		}

		reg.types[entry.Name] = jt
		reg.order = append(reg.order, entry.Name)
	}

	return reg, nil
}

// Get returns the job type with the given name.
func (r *Registry) Get(name string) (*Type, error) {
	jt, ok := r.types[name]
	if !ok {
		return nil, errors.NewNotFoundError("unknown job type %q", name)
	}
	return jt, nil
}

// All returns the job types in catalog order.
func (r *Registry) All() []*Type {
	out := make([]*Type, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.types[name])
	}
	return out
}

// Len returns the number of registered job types.
func (r *Registry) Len() int {
	return len(r.types)
}
