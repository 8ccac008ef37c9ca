package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	_ = validate.RegisterValidation("nonempty", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// AnalysisReview is a provider's review of one task. It adds
// recommendations; it never changes the deterministic score.
type AnalysisReview struct {
	Provider        string                 `json:"provider"`
	Summary         string                 `json:"summary" validate:"required,nonempty,max=2000"`
	Recommendations []ReviewRecommendation `json:"recommendations" validate:"max=10,dive"`
}

// ReviewRecommendation is one suggested improvement from a review.
type ReviewRecommendation struct {
	Category    string `json:"category" validate:"required,oneof=technical-details vague-terms acceptance-criteria ai-compatibility examples success-criteria dependencies test-expectations"`
	Priority    string `json:"priority" validate:"required,oneof=critical high medium low"`
	Title       string `json:"title" validate:"required,nonempty,max=200"`
	Description string `json:"description" validate:"required,nonempty"`
}

// SuggestionBatch is a provider's list of proposed tasks.
type SuggestionBatch struct {
	Provider    string            `json:"provider"`
	Suggestions []SuggestionDraft `json:"suggestions" validate:"required,min=1,max=20,dive"`
}

// SuggestionDraft is one proposed task before ranking and gating.
type SuggestionDraft struct {
	Title              string        `json:"title" validate:"required,nonempty,max=200"`
	Description        string        `json:"description" validate:"required,nonempty"`
	FilePaths          []string      `json:"file_paths" validate:"max=20,dive,nonempty"`
	CodeExamples       []CodeExample `json:"code_examples" validate:"max=10,dive"`
	Confidence         int           `json:"confidence" validate:"min=0,max=100"`
	AcceptanceCriteria []string      `json:"acceptance_criteria" validate:"dive,nonempty"`
	EstimatedHours     *float64      `json:"estimated_hours,omitempty" validate:"omitempty,gt=0,lte=200"`
}

// CodeExample is a snippet the provider points at.
type CodeExample struct {
	FilePath  string `json:"file_path" validate:"required,nonempty"`
	Snippet   string `json:"snippet" validate:"max=4000"`
	Relevance string `json:"relevance"`
}

// ValidationError is one schema violation.
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of schema validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ErrorSummary joins the messages for logs and error text.
func (r ValidationResult) ErrorSummary() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the review against its schema.
func (r *AnalysisReview) Validate() ValidationResult { return validateStruct(r) }

// Validate checks the batch against its schema.
func (b *SuggestionBatch) Validate() ValidationResult { return validateStruct(b) }

func validateStruct(s any) ValidationResult {
	err := validate.Struct(s)
	if err == nil {
		return ValidationResult{Valid: true}
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationResult{Errors: []ValidationError{{Message: err.Error()}}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Field:   fe.Namespace(),
			Tag:     fe.Tag(),
			Message: formatValidationError(fe),
		})
	}
	return ValidationResult{Errors: out}
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Namespace())
	case "nonempty":
		return fmt.Sprintf("%s cannot be empty or whitespace", fe.Namespace())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Namespace(), fe.Param())
	case "min", "max", "gt", "lte":
		return fmt.Sprintf("%s violates %s=%s", fe.Namespace(), fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	}
}

// extractJSON returns the outermost JSON object in text, tolerating code
// fences and prose around it.
func extractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: no JSON object in answer", ErrMalformedResponse)
	}
	return text[start : end+1], nil
}

func decodeReview(text string) (*AnalysisReview, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	var r AnalysisReview
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if res := r.Validate(); !res.Valid {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, res.ErrorSummary())
	}
	return &r, nil
}

func decodeSuggestions(text string) (*SuggestionBatch, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	var b SuggestionBatch
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if res := b.Validate(); !res.Valid {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, res.ErrorSummary())
	}
	return &b, nil
}
