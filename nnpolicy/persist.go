package nnpolicy

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/dynaplexgo/dcl/config"
)

// Persistable is the optional capability a ScoringFunction implements to
// serialize/deserialize its own weights. The engine treats the weight
// format as opaque -- it only owns the envelope (metadata JSON + an
// io.WriterTo/io.ReaderFrom blob written alongside it).
type Persistable interface {
	io.WriterTo
	io.ReaderFrom
}

// metadata is the JSON sidecar persisted next to a policy's weights: enough
// to reconstruct the ScoringFunction's shape and the Policy wrapper around
// it, without knowing anything about the weight encoding itself.
type metadata struct {
	ID          string        `json:"id"`
	NumFeatures int           `json:"num_features"`
	NumActions  int           `json:"num_actions"`
	Config      config.Params `json:"config"`
}

// Save writes path+".json" (architecture metadata) and, if the wrapped
// ScoringFunction implements Persistable, path+".weights".
func (p *Policy) Save(path string) error {
	info := p.adapter.StaticInfo()
	meta := metadata{ID: p.id, NumFeatures: info.NumFeatures, NumActions: info.NumActions, Config: p.cfg}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "nnpolicy: marshal metadata")
	}
	if err := os.WriteFile(path+".json", raw, 0o644); err != nil {
		return errors.Wrap(err, "nnpolicy: write metadata")
	}

	if persistable, ok := p.scorer.(Persistable); ok {
		f, err := os.Create(path + ".weights")
		if err != nil {
			return errors.Wrap(err, "nnpolicy: create weights file")
		}
		defer f.Close()
		if _, err := persistable.WriteTo(f); err != nil {
			return errors.Wrap(err, "nnpolicy: write weights")
		}
	}
	return nil
}

// LoadMetadata reads back path+".json" without touching the weights file,
// so callers can reconstruct the right kind of ScoringFunction before
// loading its weights into it.
func LoadMetadata(path string) (id string, numFeatures, numActions int, cfg config.Params, err error) {
	raw, err := os.ReadFile(path + ".json")
	if err != nil {
		return "", 0, 0, nil, errors.Wrap(err, "nnpolicy: read metadata")
	}
	var meta metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return "", 0, 0, nil, errors.Wrap(err, "nnpolicy: unmarshal metadata")
	}
	return meta.ID, meta.NumFeatures, meta.NumActions, meta.Config, nil
}

// LoadWeights reads path+".weights" into scorer, if scorer implements
// Persistable. It is a no-op otherwise.
func LoadWeights(path string, scorer ScoringFunction) error {
	persistable, ok := scorer.(Persistable)
	if !ok {
		return nil
	}
	f, err := os.Open(path + ".weights")
	if err != nil {
		return errors.Wrap(err, "nnpolicy: open weights file")
	}
	defer f.Close()
	if _, err := persistable.ReadFrom(f); err != nil {
		return errors.Wrap(err, "nnpolicy: read weights")
	}
	return nil
}
