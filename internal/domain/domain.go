package domain

import (
	"math"
	"time"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether no further transition is allowed out of s.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunAborted
}

type CaseStatus string

const (
	CasePassed  CaseStatus = "passed"
	CaseFailed  CaseStatus = "failed"
	CaseSkipped CaseStatus = "skipped"
)

func (s CaseStatus) Valid() bool {
	return s == CasePassed || s == CaseFailed || s == CaseSkipped
}

type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

type Epic struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ExternalRef string    `json:"external_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

type Feature struct {
	ID          string    `json:"id"`
	EpicID      string    `json:"epic_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

// DefinitionStep is one planned step of a test definition.
type DefinitionStep struct {
	Description string `json:"description"`
	Order       int    `json:"order"`
}

// Definition is a planned test (TestCaseDefinition).
type Definition struct {
	ID             string           `json:"id"`
	FeatureID      string           `json:"feature_id"`
	Title          string           `json:"title"`
	Description    string           `json:"description,omitempty"`
	Preconditions  string           `json:"preconditions,omitempty"`
	ExpectedResult string           `json:"expected_result,omitempty"`
	Steps          []DefinitionStep `json:"steps"`
	Priority       Priority         `json:"priority" enum:"critical,high,medium,low"`
	IsActive       bool             `json:"is_active"`
	CreatedAt      time.Time        `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time        `json:"updated_at" format:"date-time"`
}

type Run struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    RunStatus  `json:"status" enum:"running,completed,aborted"`
	StartTime time.Time  `json:"start_time" format:"date-time"`
	EndTime   *time.Time `json:"end_time,omitempty" format:"date-time"`
	ProjectID *string    `json:"project_id,omitempty"`
}

// Duration returns the run length in milliseconds, or nil while the run has no end time.
func (r Run) Duration() *int64 {
	if r.EndTime == nil {
		return nil
	}
	ms := r.EndTime.Sub(r.StartTime).Milliseconds()
	return &ms
}

// Step is one executed step of a reported case.
type Step struct {
	Description string     `json:"description"`
	Status      CaseStatus `json:"status" enum:"passed,failed,skipped"`
	OrderIndex  int        `json:"order_index"`
}

// Case is one executed test (TestCase) inside a run.
type Case struct {
	ID             string     `json:"id"`
	RunID          string     `json:"test_run_id"`
	Name           string     `json:"name"`
	Status         CaseStatus `json:"status" enum:"passed,failed,skipped"`
	Duration       *int64     `json:"duration,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	ErrorStack     string     `json:"error_stack,omitempty"`
	ScreenshotPath string     `json:"screenshot_path,omitempty"`
	DefinitionID   *string    `json:"test_case_definition_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at" format:"date-time"`
	Steps          []Step     `json:"steps"`
}

type Event struct {
	ID         string    `json:"id"`
	TS         time.Time `json:"ts" format:"date-time"`
	Type       string    `json:"type"`
	EntityKind Kind      `json:"entity_kind"`
	EntityID   string    `json:"entity_id,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Payload    string    `json:"payload_json,omitempty"`
}

// StatusCounts partitions a set of cases by status.
type StatusCounts struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func (c StatusCounts) Total() int {
	return c.Passed + c.Failed + c.Skipped
}

// Add counts one case with status s.
func (c *StatusCounts) Add(s CaseStatus) {
	switch s {
	case CasePassed:
		c.Passed++
	case CaseFailed:
		c.Failed++
	case CaseSkipped:
		c.Skipped++
	}
}

// SuccessRate is passed/total as a percentage rounded to two decimals, 0 when total is 0.
func SuccessRate(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(passed)/float64(total)*100*100) / 100
}

type ProjectStats struct {
	EpicCount                 int `json:"epic_count"`
	TestDefinitionCount       int `json:"test_definition_count"`
	ActiveTestDefinitionCount int `json:"active_test_definition_count"`
}

type EpicStats struct {
	FeatureCount              int `json:"feature_count"`
	TestDefinitionCount       int `json:"test_definition_count"`
	ActiveTestDefinitionCount int `json:"active_test_definition_count"`
}

type FeatureStats struct {
	TestDefinitionCount       int `json:"test_definition_count"`
	ActiveTestDefinitionCount int `json:"active_test_definition_count"`
}

type RunStats struct {
	TestCount   int     `json:"test_count"`
	Passed      int     `json:"passed"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	SuccessRate float64 `json:"success_rate"`
	AvgDuration int64   `json:"avg_duration"`
	Duration    *int64  `json:"duration,omitempty"`
}

// NewRunStats derives the run-level figures from a status partition and the
// sum/count of the non-null case durations.
func NewRunStats(r Run, counts StatusCounts, durationSum int64, durationN int) RunStats {
	st := RunStats{
		TestCount: counts.Total(),
		Passed:    counts.Passed,
		Failed:    counts.Failed,
		Skipped:   counts.Skipped,
		Duration:  r.Duration(),
	}
	st.SuccessRate = SuccessRate(st.Passed, st.TestCount)
	if durationN > 0 {
		st.AvgDuration = durationSum / int64(durationN)
	}
	return st
}

type GlobalStats struct {
	TotalRuns   int     `json:"total_runs"`
	TotalTests  int     `json:"total_tests"`
	Passed      int     `json:"passed"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	SuccessRate float64 `json:"success_rate"`
}

func NewGlobalStats(totalRuns int, counts StatusCounts) GlobalStats {
	return GlobalStats{
		TotalRuns:   totalRuns,
		TotalTests:  counts.Total(),
		Passed:      counts.Passed,
		Failed:      counts.Failed,
		Skipped:     counts.Skipped,
		SuccessRate: SuccessRate(counts.Passed, counts.Total()),
	}
}

// Checkpoint lists the distinct case names already recorded for a run.
type Checkpoint struct {
	RunID              string   `json:"run_id"`
	CompletedTestNames []string `json:"completed_test_names"`
	TotalCompleted     int      `json:"total_completed"`
}

type ProjectSummary struct {
	Project
	ProjectStats
}

type EpicSummary struct {
	Epic
	EpicStats
}

type FeatureSummary struct {
	Feature
	FeatureStats
}

type DefinitionSummary struct {
	Definition
	ExecutionCount int `json:"execution_count"`
}

type RunSummary struct {
	Run
	Stats RunStats `json:"stats"`
}
