package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"fedlist/internal/hostname"
	"fedlist/internal/logger"
	"fedlist/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadInstances reads the curated instance list (JSON or YAML by extension)
// and validates every entry. Any malformed entry fails the whole load.
func LoadInstances(path string) ([]model.Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instances: %w", err)
	}

	var out []model.Instance
	if isYAML(path) {
		err = yaml.Unmarshal(data, &out)
	} else {
		err = json.Unmarshal(data, &out)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a list of instances: %v", ErrInvalidInput, filepath.Base(path), err)
	}

	for i, inst := range out {
		if err := validate.Struct(inst); err != nil {
			return nil, fmt.Errorf("%w: %s entry %d: %s", ErrInvalidInput, filepath.Base(path), i, describeValidation(err))
		}
		if inst.Key() == "" {
			return nil, fmt.Errorf("%w: %s entry %d: no usable host", ErrInvalidInput, filepath.Base(path), i)
		}
	}
	return out, nil
}

// InstanceTargets turns curated instances into a worklist, keeping order
// and dropping duplicate hosts.
func InstanceTargets(instances []model.Instance) []model.Target {
	seen := hostname.NewSet()
	out := make([]model.Target, 0, len(instances))
	for _, inst := range instances {
		h := inst.Key()
		if h == "" || seen.Has(h) {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, model.Target{Host: h, Platform: strings.ToLower(inst.Platform)})
	}
	return out
}

// LoadWorklist reads an explicit candidate file. Entries are host strings,
// or objects carrying "host" or "url" and an optional "platform". Entries
// without a usable host are skipped with a warning.
func LoadWorklist(path string, log logger.Logger) ([]model.Target, error) {
	items, err := readList(path)
	if err != nil {
		return nil, err
	}

	seen := hostname.NewSet()
	var out []model.Target
	for i, item := range items {
		var t model.Target
		switch v := item.(type) {
		case string:
			t.Host = v
		case map[string]any:
			host, _ := v["host"].(string)
			if host == "" {
				host, _ = v["url"].(string)
			}
			t.Host = host
			t.Platform, _ = v["platform"].(string)
		default:
			return nil, fmt.Errorf("%w: %s entry %d: expected string or object", ErrInvalidInput, filepath.Base(path), i)
		}
		t.Host = hostname.Normalize(t.Host)
		t.Platform = strings.ToLower(t.Platform)
		if t.Host == "" {
			log.Warn("worklist entry skipped: no usable host",
				logger.String("file", filepath.Base(path)), logger.Int("entry", i))
			continue
		}
		if seen.Has(t.Host) {
			continue
		}
		seen[t.Host] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

// LoadCandidates reads a peer candidate file written by the discoverer.
// Plain host strings are accepted too.
func LoadCandidates(path string) ([]model.PeerCandidate, error) {
	items, err := readList(path)
	if err != nil {
		return nil, err
	}

	out := make([]model.PeerCandidate, 0, len(items))
	for i, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, model.PeerCandidate{Host: v})
		case map[string]any:
			c := model.PeerCandidate{}
			c.Host, _ = v["host"].(string)
			c.DiscoveredFrom, _ = v["discovered_from"].(string)
			method, _ := v["discovery_method"].(string)
			c.DiscoveryMethod = model.DiscoveryMethod(method)
			out = append(out, c)
		default:
			return nil, fmt.Errorf("%w: %s entry %d: expected string or object", ErrInvalidInput, filepath.Base(path), i)
		}
	}
	return out, nil
}

// AppendRejections adds entries to the rejection log at path, creating it
// when missing. Existing entries are kept as they are.
func AppendRejections(path string, entries []model.RejectionLogEntry) error {
	var log []model.RejectionLogEntry
	if err := readJSONFile(path, &log); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if log == nil {
		log = []model.RejectionLogEntry{}
	}
	return WriteJSON(path, append(log, entries...))
}

func readList(path string) ([]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var doc any
	if isYAML(path) {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a list: %v", ErrInvalidInput, filepath.Base(path), err)
	}
	items, ok := doc.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a list", ErrInvalidInput, filepath.Base(path))
	}
	return items, nil
}

// WriteJSON writes v as indented JSON to path through a temporary file and
// a rename, so readers never see a partial file.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
		return strings.Join(parts, ", ")
	}
	return err.Error()
}
