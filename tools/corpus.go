package tools

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// corpusFile is the on-disk corpus layout.
type corpusFile struct {
	Documents []Document `yaml:"documents"`
}

// LoadCorpus reads a YAML corpus file for the local knowledge tool.
func LoadCorpus(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	var f corpusFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse corpus: %w", err)
	}
	for i, doc := range f.Documents {
		if doc.ID == "" {
			return nil, fmt.Errorf("corpus document %d has no id", i)
		}
		if doc.Content == "" {
			return nil, fmt.Errorf("corpus document %q has no content", doc.ID)
		}
	}
	return f.Documents, nil
}
