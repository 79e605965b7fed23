// Package profile loads device profiles: the declarative mapping tables and
// calibration constants for each supported appliance model.
package profile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"tuya-meter-gateway/internal/tuya"
)

// Entry is one datapoint as written in a profile file.
type Entry struct {
	DP             uint8   `yaml:"dp" json:"dp"`
	Decoder        string  `yaml:"decoder,omitempty" json:"decoder,omitempty"` // single, packed_voltage, packed_current, packed_power
	Divisor        float64 `yaml:"divisor,omitempty" json:"divisor,omitempty"`
	Slot           string  `yaml:"slot" json:"slot"`
	Unit           string  `yaml:"unit,omitempty" json:"unit,omitempty"`
	DeviceClass    string  `yaml:"device_class,omitempty" json:"device_class,omitempty"`
	StateClass     string  `yaml:"state_class,omitempty" json:"state_class,omitempty"`
	Label          string  `yaml:"label,omitempty" json:"label,omitempty"`
	TranslationKey string  `yaml:"translation_key,omitempty" json:"translation_key,omitempty"`
}

// ConstantEntry is a fixed attribute value as written in a profile file.
type ConstantEntry struct {
	Slot  string  `yaml:"slot" json:"slot"`
	Value float64 `yaml:"value" json:"value"`
}

// Definition describes one appliance model.
type Definition struct {
	Manufacturer string          `yaml:"manufacturer" json:"manufacturer"`
	Model        string          `yaml:"model" json:"model"`
	FriendlyName string          `yaml:"friendly_name,omitempty" json:"friendly_name,omitempty"`
	Datapoints   []Entry         `yaml:"datapoints" json:"datapoints"`
	Constants    []ConstantEntry `yaml:"constants,omitempty" json:"constants,omitempty"`
}

// ManufacturerGroup groups models under one manufacturer name.
type ManufacturerGroup struct {
	Name   string       `yaml:"name"`
	Models []Definition `yaml:"models"`
}

// Profile is a validated definition together with its built mapping table.
type Profile struct {
	Definition
	Table *tuya.Table `json:"-"`
}

// Key returns the lookup key of the profile.
func (p *Profile) Key() string {
	return profileKey(p.Manufacturer, p.Model)
}

// Build validates a definition and builds its mapping table.
func Build(def Definition) (*Profile, error) {
	descs := make([]tuya.Descriptor, 0, len(def.Datapoints))
	var errs []error
	for _, e := range def.Datapoints {
		dec, err := tuya.ParseDecoder(e.Decoder)
		if err != nil {
			errs = append(errs, fmt.Errorf("dp %d: %w", e.DP, err))
			continue
		}
		descs = append(descs, tuya.Descriptor{
			DP:             e.DP,
			Decoder:        dec,
			Divisor:        e.Divisor,
			Slot:           e.Slot,
			Unit:           e.Unit,
			DeviceClass:    e.DeviceClass,
			StateClass:     tuya.StateClass(e.StateClass),
			Label:          e.Label,
			TranslationKey: e.TranslationKey,
		})
	}
	consts := make([]tuya.Constant, 0, len(def.Constants))
	for _, c := range def.Constants {
		consts = append(consts, tuya.Constant{Slot: c.Slot, Value: c.Value})
	}

	table, err := tuya.NewTable(descs, consts)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("profile %s/%s: %w", def.Manufacturer, def.Model, errors.Join(errs...))
	}
	return &Profile{Definition: def, Table: table}, nil
}

// DB holds profiles keyed by manufacturer+model.
type DB struct {
	profiles map[string]*Profile
}

func profileKey(manufacturer, model string) string {
	return manufacturer + "\x00" + model
}

// NewDB creates an empty profile database.
func NewDB() *DB {
	return &DB{profiles: make(map[string]*Profile)}
}

// Add validates a definition and inserts it, replacing any profile with the
// same manufacturer and model.
func (db *DB) Add(def Definition) (*Profile, error) {
	p, err := Build(def)
	if err != nil {
		return nil, err
	}
	db.profiles[p.Key()] = p
	return p, nil
}

// Lookup finds a profile by manufacturer and model.
func (db *DB) Lookup(manufacturer, model string) *Profile {
	return db.profiles[profileKey(manufacturer, model)]
}

// All returns every profile ordered by manufacturer and model.
func (db *DB) All() []*Profile {
	out := make([]*Profile, 0, len(db.profiles))
	for _, p := range db.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Manufacturer != out[j].Manufacturer {
			return out[i].Manufacturer < out[j].Manufacturer
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// Len returns the number of profiles.
func (db *DB) Len() int {
	return len(db.profiles)
}

// profileFile is the YAML structure of files in the devices directory.
type profileFile struct {
	Profiles      []Definition        `yaml:"profiles,omitempty"`
	Manufacturers []ManufacturerGroup `yaml:"manufacturers,omitempty"`
}

// LoadDir registers the built-in profiles and then every *.yaml / *.yml file
// in dir. A file profile replaces a built-in one with the same key. A missing
// or empty directory is not an error; an invalid profile is.
func LoadDir(dir string, logger *slog.Logger) (*DB, error) {
	db := NewDB()
	for _, def := range Builtin() {
		if _, err := db.Add(def); err != nil {
			return db, fmt.Errorf("built-in: %w", err)
		}
	}

	var matches []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return db, fmt.Errorf("glob devices dir: %w", err)
		}
		matches = append(matches, m...)
	}
	if len(matches) == 0 {
		logger.Info("no profile files found", "dir", dir, "builtin", db.Len())
		return db, nil
	}
	sort.Strings(matches)

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}

		var pf profileFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}

		defs := pf.Profiles
		for _, mg := range pf.Manufacturers {
			for _, d := range mg.Models {
				d.Manufacturer = mg.Name
				defs = append(defs, d)
			}
		}
		for _, d := range defs {
			replaced := db.Lookup(d.Manufacturer, d.Model) != nil
			p, err := db.Add(d)
			if err != nil {
				return db, fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
			if replaced {
				logger.Info("profile replaced", "manufacturer", p.Manufacturer, "model", p.Model, "path", filepath.Base(path))
			}
		}

		logger.Info("loaded profile file", "path", filepath.Base(path), "profiles", len(defs))
	}

	logger.Info("profile database loaded", "files", len(matches), "profiles", db.Len())
	return db, nil
}
