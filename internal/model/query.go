package model

// QueryFilters is the common filter taxonomy applied to corpus reads.
// Nil/empty fields are unconstrained.
type QueryFilters struct {
	Category      *Category `json:"category,omitempty"`
	Stakes        []Stakes  `json:"stakes,omitempty"`
	Status        []Status  `json:"status,omitempty"`
	ConfidenceMin *float64  `json:"confidenceMin,omitempty"`
	ConfidenceMax *float64  `json:"confidenceMax,omitempty"`
	Project       *string   `json:"project,omitempty"`
	Feature       *string   `json:"feature,omitempty"`
	PR            *string   `json:"pr,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	// TagsAll requires every tag to match; default is any-of.
	TagsAll bool    `json:"tagsAll,omitempty"`
	AgentID *string `json:"agentId,omitempty"`
}

// Matches reports whether the decision satisfies every set filter.
func (f QueryFilters) Matches(d *Decision) bool {
	if f.Category != nil && d.Category != *f.Category {
		return false
	}
	if len(f.Stakes) > 0 && !containsStakes(f.Stakes, d.Stakes) {
		return false
	}
	if len(f.Status) > 0 && !containsStatus(f.Status, d.Status) {
		return false
	}
	if f.ConfidenceMin != nil && d.Confidence < *f.ConfidenceMin {
		return false
	}
	if f.ConfidenceMax != nil && d.Confidence > *f.ConfidenceMax {
		return false
	}
	if f.Project != nil && d.Project != *f.Project {
		return false
	}
	if f.Feature != nil && d.Feature != *f.Feature {
		return false
	}
	if f.PR != nil && d.PR != *f.PR {
		return false
	}
	if f.AgentID != nil && d.AgentID != *f.AgentID {
		return false
	}
	if len(f.Tags) > 0 {
		have := make(map[string]bool, len(d.Tags))
		for _, t := range d.Tags {
			have[t] = true
		}
		matched := 0
		for _, t := range f.Tags {
			if have[t] {
				matched++
			}
		}
		if f.TagsAll && matched != len(f.Tags) {
			return false
		}
		if !f.TagsAll && matched == 0 {
			return false
		}
	}
	return true
}

func containsStakes(list []Stakes, s Stakes) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
