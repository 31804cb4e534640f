package objects

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// WriteExperiment lays out an experiment directory readable by NewReader.
func WriteExperiment(dir string, md Metadata, objs map[string][]MapObject) error {
	if err := os.MkdirAll(filepath.Join(dir, "mapobjects"), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
		return err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer enc.Close()

	for name, list := range objs {
		raw, err := json.Marshal(list)
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		path := filepath.Join(dir, "mapobjects", name+".json.zst")
		if err := os.WriteFile(path, enc.EncodeAll(raw, nil), 0o644); err != nil {
			return err
		}
	}
	return nil
}
