package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/audit"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/eval"
	"gopkg.in/yaml.v3"
)

// readSamples loads a trial batch file: a YAML or JSON list of samples.
func readSamples(path string) ([]eval.TrialSample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	var out []eval.TrialSample
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &out)
	default:
		err = json.Unmarshal(data, &out)
	}
	if err != nil {
		return nil, fmt.Errorf("parse samples %s: %w", path, err)
	}
	return out, nil
}

// selectBatch resolves the batch to score: a file wins, then an explicit stored batch,
// then the latest stored batch. ok is false when nothing is available.
func selectBatch(store *audit.Store, file, batchID string) (samples []eval.TrialSample, source string, ok bool, err error) {
	switch {
	case file != "":
		samples, err = readSamples(file)
		return samples, file, err == nil, err
	case batchID != "":
		samples, err = store.LoadSamples(batchID)
		return samples, batchID, err == nil, err
	}
	id, err := store.LatestBatch()
	if errors.Is(err, audit.ErrNotFound) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, err
	}
	samples, err = store.LoadSamples(id)
	return samples, id, err == nil, err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
