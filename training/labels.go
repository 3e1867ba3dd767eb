package training

import (
	"fmt"
	"sort"
	"strings"
)

// videoNameFixes maps class-name prefixes found in clip names to the
// spelling used by the label files.
var videoNameFixes = map[string]string{
	"HandStandPushups_": "HandstandPushups_",
}

// NormalizeVideoName rewrites known class-name misspellings so clip video
// identifiers match the persisted label table.
func NormalizeVideoName(name string) string {
	for from, to := range videoNameFixes {
		if strings.HasPrefix(name, from) {
			return to + name[len(from):]
		}
	}
	return name
}

// LabelTable maps normalized video identifiers to 0-indexed class labels
type LabelTable struct {
	labels     map[string]int
	numClasses int
}

// NewLabelTable builds a table from the persisted mapping, whose labels are
// 1-indexed. Names are normalized; labels below 1 and two spellings of one
// video with different labels are rejected.
func NewLabelTable(raw map[string]int) (LabelTable, error) {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	labels := make(map[string]int, len(raw))
	numClasses := 0
	for _, name := range names {
		persisted := raw[name]
		if persisted < 1 {
			return LabelTable{}, fmt.Errorf("video %q has label %d, persisted labels start at 1", name, persisted)
		}

		id := NormalizeVideoName(name)
		label := persisted - 1
		if existing, ok := labels[id]; ok && existing != label {
			return LabelTable{}, &DataConsistencyError{
				VideoID: id,
				Reason:  fmt.Sprintf("label table lists it as both %d and %d", existing+1, persisted),
			}
		}
		labels[id] = label
		if label+1 > numClasses {
			numClasses = label + 1
		}
	}

	return LabelTable{labels: labels, numClasses: numClasses}, nil
}

// Lookup returns the 0-indexed label of a video
func (t LabelTable) Lookup(videoID string) (int, error) {
	label, ok := t.labels[NormalizeVideoName(videoID)]
	if !ok {
		return 0, &DataConsistencyError{VideoID: videoID, Reason: "no entry in label table"}
	}
	return label, nil
}

// Len returns the number of videos in the table
func (t LabelTable) Len() int {
	return len(t.labels)
}

// NumClasses is one more than the highest label in the table
func (t LabelTable) NumClasses() int {
	return t.numClasses
}

// Map returns a copy of the normalized, 0-indexed mapping
func (t LabelTable) Map() map[string]int {
	m := make(map[string]int, len(t.labels))
	for k, v := range t.labels {
		m[k] = v
	}
	return m
}
