package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/corvidlabs/watchloop/internal/config"
	"github.com/corvidlabs/watchloop/internal/model"
)

// CurrentSchemaVersion is the knowledge-base document's schema version.
// Loading a document with a different version returns an empty store
// rather than failing (spec §4.6): an incompatible knowledge base is
// safer to rebuild from scratch than to risk misreading.
const CurrentSchemaVersion = 1

// document is the on-disk shape of the knowledge base: the rule set
// plus the schema version and the precedence chain readers use to
// resolve conflicting recommendations.
type document struct {
	SchemaVersion int                   `json:"schema_version"`
	Rules         []*model.CreationRule `json:"rules"`
	Precedence    []string              `json:"precedence"`
}

// SaveAtomic writes the rule set to path by writing a temp file in the
// same directory and renaming it over the destination, so a crash mid
// write never leaves a corrupt knowledge.json (spec's atomic persistence
// invariant). The teacher's resources manager checkpoints by appending
// to an already-open file; that pattern doesn't give atomicity for a
// single authoritative document, so this uses write-tmp-then-rename
// instead.
func (s *Store) SaveAtomic(path string) error {
	s.mu.RLock()
	rules := make([]*model.CreationRule, 0, len(s.rules))
	for _, r := range s.rules {
		rules = append(rules, r)
	}
	s.mu.RUnlock()

	doc := document{SchemaVersion: CurrentSchemaVersion, Rules: rules, Precedence: config.PrecedenceChain}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("knowledge: marshal document: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".knowledge-*.tmp")
	if err != nil {
		return fmt.Errorf("knowledge: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("knowledge: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("knowledge: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("knowledge: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("knowledge: rename into place: %w", err)
	}
	return nil
}

// Load reads a knowledge-base document previously written by
// SaveAtomic. A missing file is not an error: it returns an empty
// Store, since a first run has no prior knowledge base. A document
// whose schema_version does not match CurrentSchemaVersion also returns
// an empty store rather than failing.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("knowledge: read %s: %w", path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("knowledge: parse %s: %w", path, err)
	}
	if doc.SchemaVersion != CurrentSchemaVersion {
		return New(), nil
	}
	s := New()
	for _, r := range doc.Rules {
		s.rules[r.ID] = r
		s.index[keyOf(r)] = r
	}
	return s, nil
}
