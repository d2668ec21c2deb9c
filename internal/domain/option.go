package domain

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON accepts both the plain-string and the object form of an
// option. Form builders have produced both shapes over time, so templates
// in the wild mix them freely within one question.
func (o *QuestionOption) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err == nil {
		o.Label = label
		o.TriggersFollowups = false
		return nil
	}

	type optionAlias QuestionOption
	var alias optionAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return fmt.Errorf("parsing question option: %w", err)
	}
	*o = QuestionOption(alias)
	return nil
}

// MarshalJSON writes the object form when the option carries flags and the
// compact string form otherwise, mirroring what the builder UI emits.
func (o QuestionOption) MarshalJSON() ([]byte, error) {
	if !o.TriggersFollowups {
		return json.Marshal(o.Label)
	}
	type optionAlias QuestionOption
	return json.Marshal(optionAlias(o))
}
