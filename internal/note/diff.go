package note

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffSummary describes how an edited body differs from the persisted one.
type DiffSummary struct {
	Inserted int    `json:"inserted"`
	Deleted  int    `json:"deleted"`
	Patch    string `json:"patch,omitempty"`
}

// Changed reports whether the summary contains any edit.
func (d DiffSummary) Changed() bool {
	return d.Inserted > 0 || d.Deleted > 0
}

// Diff computes a semantic diff from persisted to edited. Counts are in
// runes; Patch is in unidiff-like patch text form.
func Diff(persisted, edited string) DiffSummary {
	if persisted == edited {
		return DiffSummary{}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(persisted, edited, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var s DiffSummary

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			s.Inserted += utf8.RuneCountInString(d.Text)
		case diffmatchpatch.DiffDelete:
			s.Deleted += utf8.RuneCountInString(d.Text)
		}
	}

	s.Patch = dmp.PatchToText(dmp.PatchMake(persisted, diffs))

	return s
}
