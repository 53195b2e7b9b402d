package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

type deviceFile struct {
	Device    string            `toml:"device"`
	UpdatedAt time.Time         `toml:"updated_at"`
	Values    map[string]string `toml:"values"`
}

// TOMLFile persists one device's preferences as <dir>/<device>.toml. Values are
// stored as their JSON text.
type TOMLFile struct {
	dir    string
	device string
}

func NewTOMLFile(dir, device string) *TOMLFile {
	return &TOMLFile{dir: dir, device: device}
}

func (f *TOMLFile) path() string {
	return filepath.Join(f.dir, f.device+".toml")
}

func (f *TOMLFile) Load() (map[string]json.RawMessage, error) {
	b, err := os.ReadFile(f.path())
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}

	var file deviceFile
	if err := toml.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path(), err)
	}
	values := make(map[string]json.RawMessage, len(file.Values))
	for key, raw := range file.Values {
		if !json.Valid([]byte(raw)) {
			continue
		}
		values[key] = json.RawMessage(raw)
	}
	return values, nil
}

func (f *TOMLFile) Save(values map[string]json.RawMessage) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return err
	}
	file := deviceFile{
		Device:    f.device,
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
		Values:    make(map[string]string, len(values)),
	}
	for key, value := range values {
		file.Values[key] = string(value)
	}

	b, err := toml.Marshal(file)
	if err != nil {
		return err
	}
	tmp := f.path() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path())
}
