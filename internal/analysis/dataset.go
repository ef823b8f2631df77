package analysis

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Point is a reported activation coordinate.
type Point struct {
	Coordinates [3]float64 `json:"coordinates"`
	Space       string     `json:"space,omitempty"`
}

// Image is a statistical image attached to an analysis.
type Image struct {
	ValueType string `json:"value_type,omitempty"`
	URL       string `json:"url"`
	Space     string `json:"space,omitempty"`
}

// StudyAnalysis is one analysis (contrast) of a study.
type StudyAnalysis struct {
	ID         string  `json:"id"`
	StudyID    string  `json:"study_id"`
	Name       string  `json:"name,omitempty"`
	SampleSize int     `json:"sample_size,omitempty"`
	Points     []Point `json:"points"`
	Images     []Image `json:"images,omitempty"`
}

// Dataset is the set of analyses fed to an estimator.
type Dataset struct {
	Name     string          `json:"name"`
	Analyses []StudyAnalysis `json:"analyses"`
}

// Len returns the number of analyses in the dataset.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Analyses)
}

// IDs returns the analysis ids in dataset order.
func (d *Dataset) IDs() []string {
	if d == nil {
		return nil
	}
	ids := make([]string, len(d.Analyses))
	for i, a := range d.Analyses {
		ids[i] = a.ID
	}
	return ids
}

// ResolvedAnalysis is everything the compute step needs for one job.
type ResolvedAnalysis struct {
	Dataset          *Dataset   `json:"dataset"`
	ReferenceDataset *Dataset   `json:"reference_dataset,omitempty"`
	Estimator        Procedure  `json:"estimator"`
	Corrector        *Procedure `json:"corrector,omitempty"`
}

// DeriveDatasets filters the studyset down to the analyses selected by the
// annotation. Without conditions the primary dataset holds analyses whose note
// marks spec.Filter true and the reference holds the remaining annotated
// analyses. With conditions the note value is compared against the first and
// second condition instead.
func DeriveDatasets(studyset, annotation json.RawMessage, spec *Specification) (primary, reference *Dataset, err error) {
	if spec == nil || spec.Filter == "" {
		return nil, nil, invalidSpec(&FieldError{Field: "filter", Reason: "is required"})
	}
	if !gjson.ValidBytes(studyset) {
		return nil, nil, invalidSpec(&FieldError{Field: "studyset", Reason: "is not a valid document"})
	}
	if !gjson.ValidBytes(annotation) {
		return nil, nil, invalidSpec(&FieldError{Field: "annotation", Reason: "is not a valid document"})
	}

	conditions := spec.ConditionValues()
	if len(conditions) > 2 {
		return nil, nil, invalidSpec(&FieldError{Field: "conditions", Reason: fmt.Sprintf("has %d values, at most 2 are supported", len(conditions))})
	}

	notes := annotationNotes(annotation)
	primary = &Dataset{Name: spec.Filter}
	reference = &Dataset{Name: spec.Filter + " (reference)"}
	if len(conditions) > 0 {
		primary.Name = conditions[0]
	}
	if len(conditions) > 1 {
		reference.Name = conditions[1]
	}

	for _, a := range studysetAnalyses(studyset) {
		note, annotated := notes[a.ID]
		if !annotated {
			continue
		}
		value := noteValue(note, spec.Filter)

		switch {
		case len(conditions) == 0:
			if value.Bool() {
				primary.Analyses = append(primary.Analyses, a)
			} else {
				reference.Analyses = append(reference.Analyses, a)
			}
		case value.Exists() && value.String() == conditions[0]:
			primary.Analyses = append(primary.Analyses, a)
		case len(conditions) > 1 && value.Exists() && value.String() == conditions[1]:
			reference.Analyses = append(reference.Analyses, a)
		}
	}

	if primary.Len() == 0 {
		return nil, nil, invalidSpec(&FieldError{Field: "filter", Reason: fmt.Sprintf("%q selects no analyses", spec.Filter)})
	}
	return primary, reference, nil
}

// Bind combines the derived datasets with the resolved procedures. The
// reference dataset is only kept for pairwise estimators, which require it to
// be non-empty.
func Bind(resolved *Resolved, primary, reference *Dataset) (*ResolvedAnalysis, error) {
	ra := &ResolvedAnalysis{
		Dataset:   primary,
		Estimator: resolved.Estimator,
		Corrector: resolved.Corrector,
	}
	if !resolved.Estimator.Pairwise {
		return ra, nil
	}
	if reference.Len() == 0 {
		return nil, invalidSpec(&FieldError{
			Field:  "conditions",
			Reason: fmt.Sprintf("select no reference analyses for pairwise estimator %s", resolved.Estimator.Name),
		})
	}
	ra.ReferenceDataset = reference
	return ra, nil
}

// annotationNotes indexes annotation notes by analysis id. The analysis may be
// given as an id string or a nested object.
func annotationNotes(annotation json.RawMessage) map[string]gjson.Result {
	notes := make(map[string]gjson.Result)
	gjson.GetBytes(annotation, "notes").ForEach(func(_, n gjson.Result) bool {
		analysis := n.Get("analysis")
		id := analysis.String()
		if analysis.IsObject() {
			id = analysis.Get("id").String()
		}
		if id != "" {
			notes[id] = n.Get("note")
		}
		return true
	})
	return notes
}

// noteValue looks a key up literally, since note keys may contain path
// characters.
func noteValue(note gjson.Result, key string) gjson.Result {
	var value gjson.Result
	note.ForEach(func(k, v gjson.Result) bool {
		if k.String() == key {
			value = v
			return false
		}
		return true
	})
	return value
}

func studysetAnalyses(studyset json.RawMessage) []StudyAnalysis {
	var out []StudyAnalysis
	gjson.GetBytes(studyset, "studies").ForEach(func(_, study gjson.Result) bool {
		if !study.IsObject() {
			return true
		}
		studyID := study.Get("id").String()
		studySize := study.Get("metadata.sample_size").Int()

		study.Get("analyses").ForEach(func(_, a gjson.Result) bool {
			if !a.IsObject() {
				return true
			}
			sa := StudyAnalysis{
				ID:         a.Get("id").String(),
				StudyID:    studyID,
				Name:       a.Get("name").String(),
				SampleSize: int(studySize),
			}
			if n := a.Get("metadata.sample_size"); n.Exists() {
				sa.SampleSize = int(n.Int())
			}
			a.Get("points").ForEach(func(_, p gjson.Result) bool {
				sa.Points = append(sa.Points, parsePoint(p))
				return true
			})
			a.Get("images").ForEach(func(_, img gjson.Result) bool {
				if url := img.Get("url").String(); url != "" {
					sa.Images = append(sa.Images, Image{
						ValueType: img.Get("value_type").String(),
						URL:       url,
						Space:     img.Get("space").String(),
					})
				}
				return true
			})
			out = append(out, sa)
			return true
		})
		return true
	})
	return out
}

func parsePoint(p gjson.Result) Point {
	pt := Point{Space: p.Get("space").String()}
	if coords := p.Get("coordinates").Array(); len(coords) == 3 {
		for i, c := range coords {
			pt.Coordinates[i] = c.Float()
		}
		return pt
	}
	pt.Coordinates = [3]float64{p.Get("x").Float(), p.Get("y").Float(), p.Get("z").Float()}
	return pt
}
