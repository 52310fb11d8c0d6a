// Package intents loads and validates the table-based intent file that
// declares what to monitor and how to judge it (spec.md §6). Parsing uses
// TOML, the natural Go-ecosystem reader for a "table-based document" — the
// distilled spec never names a concrete format, so this is named here as
// an out-of-pack addition per SPEC_FULL.md §2A.
package intents

import (
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/corvidlabs/watchloop/internal/model"
)

// Meta is the intent file's optional [meta] section.
type Meta struct {
	Mode model.Mode `toml:"mode"`
}

// File is the top-level shape of an intent file: an optional [meta]
// section supplying a default mode, followed by one [[intents]] table per
// monitored target.
type File struct {
	Meta    Meta            `toml:"meta"`
	Intents []model.Intent  `toml:"intents"`
}

// Load reads and parses the TOML intent file at path, applying the
// [meta].mode default to any intent that didn't set its own mode, but does
// not validate it — call Validate separately so a caller can decide whether
// to treat validation failure as fatal (spec §7(a): configuration errors
// are fatal at startup, handled by the caller, not by Load itself).
func Load(path string) (File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return File{}, fmt.Errorf("intents: parse %s: %w", path, err)
	}
	for i := range f.Intents {
		if f.Intents[i].Mode == "" {
			f.Intents[i].Mode = f.Meta.Mode
		}
	}
	return f, nil
}

// ValidationError collects every intent-file problem found by Validate, so
// a caller can report them all at once rather than stopping at the first.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("intents: %d validation problem(s): %v", len(e.Problems), e.Problems)
}

// Validate checks every intent-file requirement from spec.md §6: non-empty
// name/url/intent_type, unique names, E2E intents carrying at least one
// mutation, positive mutation cycles, non-empty mutation fields, and a
// non-negative expected_detections on the intent itself.
func Validate(f File) error {
	var problems []string
	seenNames := make(map[string]bool, len(f.Intents))

	for i, in := range f.Intents {
		label := fmt.Sprintf("intents[%d]", i)
		if in.Name != "" {
			label = fmt.Sprintf("intent %q", in.Name)
		}

		if in.Name == "" {
			problems = append(problems, fmt.Sprintf("%s: name is required", label))
		} else if seenNames[in.Name] {
			problems = append(problems, fmt.Sprintf("%s: duplicate name", label))
		} else {
			seenNames[in.Name] = true
		}

		if in.URL == "" {
			problems = append(problems, fmt.Sprintf("%s: url is required", label))
		}
		if in.IntentType == "" {
			problems = append(problems, fmt.Sprintf("%s: intent_type is required", label))
		}

		if in.Mode == model.ModeE2E {
			if len(in.Mutations) == 0 {
				problems = append(problems, fmt.Sprintf("%s: e2e intents require at least one mutation", label))
			}
		}

		for j, mu := range in.Mutations {
			muLabel := fmt.Sprintf("%s mutation[%d]", label, j)
			if mu.Cycle <= 0 {
				problems = append(problems, fmt.Sprintf("%s: cycle must be positive", muLabel))
			}
			if mu.Field == "" {
				problems = append(problems, fmt.Sprintf("%s: field is required", muLabel))
			}
		}
		if in.ExpectedDetections < 0 {
			problems = append(problems, fmt.Sprintf("%s: expected_detections must be non-negative, got %d", label, in.ExpectedDetections))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ByName indexes a loaded intent file's intents by name, the shape every
// downstream consumer (the cycle runner, the monitor bootstrapper) needs.
func ByName(f File) map[string]model.Intent {
	out := make(map[string]model.Intent, len(f.Intents))
	for _, in := range f.Intents {
		out[in.Name] = in
	}
	return out
}
