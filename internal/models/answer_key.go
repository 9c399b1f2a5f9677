package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/SAP-F-2025/sheet-evaluation-service/internal/errors"
)

// AnswerKey maps question numbers to expected answers.
type AnswerKey map[int]string

// QuestionLabel formats a question number as used in answer key overrides.
func QuestionLabel(n int) string {
	return "Q" + strconv.Itoa(n)
}

// ParseQuestionLabel parses "Q<n>" (case-insensitive, surrounding spaces
// ignored) into n.
func ParseQuestionLabel(label string) (int, error) {
	s := strings.TrimSpace(label)
	if len(s) < 2 || (s[0] != 'Q' && s[0] != 'q') {
		return 0, fmt.Errorf("invalid question label %q", label)
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n <= 0 || strings.ContainsAny(s[1:], "+-") {
		return 0, fmt.Errorf("invalid question label %q", label)
	}
	return n, nil
}

// ParseAnswerKeyOverride converts a {"Q1": "..."} mapping into an AnswerKey.
// All label problems are reported together.
func ParseAnswerKeyOverride(labels map[string]string) (AnswerKey, error) {
	key := make(AnswerKey, len(labels))
	var errs apperrors.ValidationErrors

	names := make([]string, 0, len(labels))
	for label := range labels {
		names = append(names, label)
	}
	sort.Strings(names)

	for _, label := range names {
		field := "answer_key_override." + label
		n, err := ParseQuestionLabel(label)
		if err != nil {
			errs = append(errs, *apperrors.NewValidationErrorWithRule(field, "must be a question label of the form Q<n>", "answer_key_label", label))
			continue
		}
		if _, dup := key[n]; dup {
			errs = append(errs, *apperrors.NewValidationErrorWithRule(field, "duplicates another label for the same question", "unique", label))
			continue
		}
		answer := strings.TrimSpace(labels[label])
		if answer == "" {
			errs = append(errs, *apperrors.NewValidationErrorWithRule(field, "is required", "required", labels[label]))
			continue
		}
		key[n] = answer
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return key, nil
}

// QuestionNumbers returns the key's question numbers in ascending order.
func (k AnswerKey) QuestionNumbers() []int {
	out := make([]int, 0, len(k))
	for n := range k {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Labels returns the key in its {"Q1": "..."} form.
func (k AnswerKey) Labels() map[string]string {
	out := make(map[string]string, len(k))
	for n, answer := range k {
		out[QuestionLabel(n)] = answer
	}
	return out
}

// MarshalJSON writes the key with Q<n> labels.
func (k AnswerKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.Labels())
}

// UnmarshalJSON reads a key written with Q<n> labels.
func (k *AnswerKey) UnmarshalJSON(data []byte) error {
	var labels map[string]string
	if err := json.Unmarshal(data, &labels); err != nil {
		return err
	}
	parsed, err := ParseAnswerKeyOverride(labels)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

type AnswerKeySourceKind string

const (
	AnswerKeyFromTemplate AnswerKeySourceKind = "from_template"
	AnswerKeyOverridden   AnswerKeySourceKind = "overridden"
)

// AnswerKeySource says where a run's answer key comes from. An overridden
// source replaces the template's key entirely.
type AnswerKeySource struct {
	Kind            AnswerKeySourceKind `json:"kind"`
	TemplateID      string              `json:"template_id"`
	TemplateVersion int                 `json:"template_version"`
	Overrides       AnswerKey           `json:"overrides,omitempty"`
}

// FromTemplate sources the key from the template's expected answers.
func FromTemplate(t *Template) AnswerKeySource {
	return AnswerKeySource{
		Kind:            AnswerKeyFromTemplate,
		TemplateID:      t.ID,
		TemplateVersion: t.Version,
	}
}

// Overridden sources the key from an explicit mapping.
func Overridden(t *Template, overrides AnswerKey) AnswerKeySource {
	return AnswerKeySource{
		Kind:            AnswerKeyOverridden,
		TemplateID:      t.ID,
		TemplateVersion: t.Version,
		Overrides:       overrides,
	}
}

// Resolve freezes the source into the answer key used for a run. Every
// question in the key must have a region on t, and the key must not be empty.
func (s AnswerKeySource) Resolve(t *Template) (AnswerKey, error) {
	if t.ID != s.TemplateID || t.Version != s.TemplateVersion {
		return nil, fmt.Errorf("answer key source refers to template %s v%d, got %s v%d",
			s.TemplateID, s.TemplateVersion, t.ID, t.Version)
	}

	var key AnswerKey
	switch s.Kind {
	case AnswerKeyFromTemplate:
		key = t.AnswerKey()
	case AnswerKeyOverridden:
		var errs apperrors.ValidationErrors
		for _, n := range s.Overrides.QuestionNumbers() {
			if _, ok := t.RegionByQuestion(n); !ok {
				errs = append(errs, *apperrors.NewValidationErrorWithRule(
					"answer_key_override."+QuestionLabel(n), "has no region on the template", "region_exists", n))
			}
		}
		if len(errs) > 0 {
			return nil, errs
		}
		key = make(AnswerKey, len(s.Overrides))
		for n, answer := range s.Overrides {
			key[n] = answer
		}
	default:
		return nil, fmt.Errorf("unknown answer key source %q", s.Kind)
	}

	if len(key) == 0 {
		return nil, apperrors.ErrNoAnswerKey
	}
	return key, nil
}
