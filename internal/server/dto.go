package server

import (
	"redstone/internal/artifacts"
	"redstone/internal/domain"
	"redstone/internal/engine"
)

// Request payloads. Pointer fields on update requests distinguish an absent
// field from an explicit empty string.

type CreateProjectRequest struct {
	Name        string `json:"name" minLength:"1" maxLength:"255"`
	Description string `json:"description,omitempty" maxLength:"1000"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty" minLength:"1" maxLength:"255"`
	Description *string `json:"description,omitempty" maxLength:"1000"`
}

type CreateEpicRequest struct {
	Name        string `json:"name" minLength:"1" maxLength:"255"`
	Description string `json:"description,omitempty" maxLength:"1000"`
	ExternalRef string `json:"external_ref,omitempty" maxLength:"255"`
}

type UpdateEpicRequest struct {
	Name        *string `json:"name,omitempty" minLength:"1" maxLength:"255"`
	Description *string `json:"description,omitempty" maxLength:"1000"`
	ExternalRef *string `json:"external_ref,omitempty" maxLength:"255"`
}

type CreateFeatureRequest struct {
	Name        string `json:"name" minLength:"1" maxLength:"255"`
	Description string `json:"description,omitempty" maxLength:"1000"`
}

type UpdateFeatureRequest struct {
	Name        *string `json:"name,omitempty" minLength:"1" maxLength:"255"`
	Description *string `json:"description,omitempty" maxLength:"1000"`
}

type StepSpecRequest struct {
	Description string `json:"description" maxLength:"500"`
	Order       int    `json:"order,omitempty" minimum:"0"`
}

type CreateDefinitionRequest struct {
	Title          string            `json:"title" minLength:"1" maxLength:"255"`
	Description    string            `json:"description,omitempty" maxLength:"2000"`
	Preconditions  string            `json:"preconditions,omitempty" maxLength:"2000"`
	ExpectedResult string            `json:"expected_result,omitempty" maxLength:"2000"`
	Steps          []StepSpecRequest `json:"steps,omitempty"`
	Priority       string            `json:"priority,omitempty" enum:"critical,high,medium,low"`
}

type UpdateDefinitionRequest struct {
	Title          *string           `json:"title,omitempty" minLength:"1" maxLength:"255"`
	Description    *string           `json:"description,omitempty" maxLength:"2000"`
	Preconditions  *string           `json:"preconditions,omitempty" maxLength:"2000"`
	ExpectedResult *string           `json:"expected_result,omitempty" maxLength:"2000"`
	Steps          []StepSpecRequest `json:"steps,omitempty"`
	Priority       *string           `json:"priority,omitempty" enum:"critical,high,medium,low"`
}

type StartRunRequest struct {
	Name      string `json:"name" minLength:"1" maxLength:"255"`
	ProjectID string `json:"project_id,omitempty"`
}

type ReportStepRequest struct {
	Description string `json:"description"`
	Status      string `json:"status"`
}

// ReportCaseRequest is the JSON document of a case report, sent either as the
// request body or as the "data" part of a multipart upload.
type ReportCaseRequest struct {
	Name                 string              `json:"name"`
	Status               string              `json:"status"`
	Duration             *int64              `json:"duration,omitempty"`
	ErrorMessage         string              `json:"error_message,omitempty"`
	ErrorStack           string              `json:"error_stack,omitempty"`
	TestCaseDefinitionID string              `json:"test_case_definition_id,omitempty"`
	Steps                []ReportStepRequest `json:"steps,omitempty"`
}

type DeletedResponse struct {
	Deleted bool   `json:"deleted"`
	ID      string `json:"id"`
}

func definitionSteps(in []StepSpecRequest) []domain.DefinitionStep {
	out := make([]domain.DefinitionStep, len(in))
	for i, s := range in {
		out[i] = domain.DefinitionStep{Description: s.Description, Order: s.Order}
	}
	return out
}

func priorityPtr(p *string) *domain.Priority {
	if p == nil {
		return nil
	}
	v := domain.Priority(*p)
	return &v
}

func (r ReportCaseRequest) caseReport(runID string, shot *artifacts.Screenshot) engine.CaseReport {
	rep := engine.CaseReport{
		RunID:        runID,
		Name:         r.Name,
		Status:       domain.CaseStatus(r.Status),
		Duration:     r.Duration,
		ErrorMessage: r.ErrorMessage,
		ErrorStack:   r.ErrorStack,
		DefinitionID: r.TestCaseDefinitionID,
		Screenshot:   shot,
	}
	for _, s := range r.Steps {
		rep.Steps = append(rep.Steps, engine.StepReport{Description: s.Description, Status: domain.CaseStatus(s.Status)})
	}
	return rep
}
