package decision

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// KnowledgeSource holds answers that are already known and need no model call.
type KnowledgeSource interface {
	// Lookup returns the literal answer for question, if one is recorded.
	Lookup(question string) (string, bool)
}

// MapKnowledge is a KnowledgeSource backed by a map. Keys are matched after
// normalization, so case, surrounding whitespace and a trailing question mark
// do not matter.
type MapKnowledge map[string]string

// Lookup implements KnowledgeSource.
func (m MapKnowledge) Lookup(question string) (string, bool) {
	want := normalizeQuestion(question)
	for q, a := range m {
		if normalizeQuestion(q) == want && strings.TrimSpace(a) != "" {
			return strings.TrimSpace(a), true
		}
	}
	return "", false
}

// knowledgeFile is the on-disk format of a knowledge file.
type knowledgeFile struct {
	Answers []struct {
		Question string `yaml:"question"`
		Answer   string `yaml:"answer"`
	} `yaml:"answers"`
}

// LoadKnowledgeFile reads a YAML file of the form
//
//	answers:
//	  - question: Which region do we deploy to?
//	    answer: us-east-1
func LoadKnowledgeFile(path string) (MapKnowledge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	var f knowledgeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse knowledge file %s: %w", path, err)
	}
	m := make(MapKnowledge, len(f.Answers))
	for i, entry := range f.Answers {
		if strings.TrimSpace(entry.Question) == "" {
			return nil, fmt.Errorf("knowledge file %s: entry %d has no question", path, i)
		}
		m[entry.Question] = entry.Answer
	}
	return m, nil
}

func normalizeQuestion(q string) string {
	q = strings.ToLower(strings.Join(strings.Fields(q), " "))
	return strings.TrimRight(q, "?. ")
}
