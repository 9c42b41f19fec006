package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"redstone/internal/domain"
	"redstone/internal/engine"
)

type idPath struct {
	ID string `path:"id"`
}

var writeErrors = []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError}

func registerProjects(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := h.e.CreateProject(ctx, engine.ProjectCreateOptions{Name: input.Body.Name, Description: input.Body.Description})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects with their counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ProjectSummary `json:"body"`
	}, error) {
		items, err := h.e.ListProjects(ctx)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.ProjectSummary `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.ProjectSummary `json:"body"`
	}, error) {
		p, err := h.e.GetProject(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.ProjectSummary `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPut,
		Path:        "/projects/{id}",
		Summary:     "Update project fields that are present",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := h.e.UpdateProject(ctx, engine.ProjectUpdateOptions{ID: input.ID, Name: input.Body.Name, Description: input.Body.Description})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{id}",
		Summary:     "Delete a project without epics or runs",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*struct {
		Body DeletedResponse `json:"body"`
	}, error) {
		if err := h.e.DeleteProject(ctx, input.ID); err != nil {
			return nil, h.fail(err)
		}
		return deleted(input.ID), nil
	})
}

func deleted(id string) *struct {
	Body DeletedResponse `json:"body"`
} {
	return &struct {
		Body DeletedResponse `json:"body"`
	}{Body: DeletedResponse{Deleted: true, ID: id}}
}

func registerEpics(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-epic",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/epics",
		Summary:       "Create epic",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CreateEpicRequest `json:"body"`
	}) (*struct {
		Body domain.Epic `json:"body"`
	}, error) {
		ep, err := h.e.CreateEpic(ctx, engine.EpicCreateOptions{
			ProjectID:   input.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			ExternalRef: input.Body.ExternalRef,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Epic `json:"body"`
		}{Body: ep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-epics",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/epics",
		Summary:     "List epics of a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body []domain.EpicSummary `json:"body"`
	}, error) {
		items, err := h.e.ListEpics(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.EpicSummary `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-epic",
		Method:      http.MethodGet,
		Path:        "/epics/{id}",
		Summary:     "Get epic",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.EpicSummary `json:"body"`
	}, error) {
		ep, err := h.e.GetEpic(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.EpicSummary `json:"body"`
		}{Body: ep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-epic",
		Method:      http.MethodPut,
		Path:        "/epics/{id}",
		Summary:     "Update epic",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateEpicRequest `json:"body"`
	}) (*struct {
		Body domain.Epic `json:"body"`
	}, error) {
		ep, err := h.e.UpdateEpic(ctx, engine.EpicUpdateOptions{
			ID:          input.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			ExternalRef: input.Body.ExternalRef,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Epic `json:"body"`
		}{Body: ep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-epic",
		Method:      http.MethodDelete,
		Path:        "/epics/{id}",
		Summary:     "Delete an epic without features",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*struct {
		Body DeletedResponse `json:"body"`
	}, error) {
		if err := h.e.DeleteEpic(ctx, input.ID); err != nil {
			return nil, h.fail(err)
		}
		return deleted(input.ID), nil
	})
}

func registerFeatures(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-feature",
		Method:        http.MethodPost,
		Path:          "/epics/{id}/features",
		Summary:       "Create feature",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body CreateFeatureRequest `json:"body"`
	}) (*struct {
		Body domain.Feature `json:"body"`
	}, error) {
		f, err := h.e.CreateFeature(ctx, engine.FeatureCreateOptions{EpicID: input.ID, Name: input.Body.Name, Description: input.Body.Description})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Feature `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-features",
		Method:      http.MethodGet,
		Path:        "/epics/{id}/features",
		Summary:     "List features of an epic",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body []domain.FeatureSummary `json:"body"`
	}, error) {
		items, err := h.e.ListFeatures(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.FeatureSummary `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-feature",
		Method:      http.MethodGet,
		Path:        "/features/{id}",
		Summary:     "Get feature",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.FeatureSummary `json:"body"`
	}, error) {
		f, err := h.e.GetFeature(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.FeatureSummary `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-feature",
		Method:      http.MethodPut,
		Path:        "/features/{id}",
		Summary:     "Update feature",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateFeatureRequest `json:"body"`
	}) (*struct {
		Body domain.Feature `json:"body"`
	}, error) {
		f, err := h.e.UpdateFeature(ctx, engine.FeatureUpdateOptions{ID: input.ID, Name: input.Body.Name, Description: input.Body.Description})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Feature `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-feature",
		Method:      http.MethodDelete,
		Path:        "/features/{id}",
		Summary:     "Delete a feature without definitions",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*struct {
		Body DeletedResponse `json:"body"`
	}, error) {
		if err := h.e.DeleteFeature(ctx, input.ID); err != nil {
			return nil, h.fail(err)
		}
		return deleted(input.ID), nil
	})
}

func registerDefinitions(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-test-case",
		Method:        http.MethodPost,
		Path:          "/features/{id}/test-cases",
		Summary:       "Create test case definition",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body CreateDefinitionRequest `json:"body"`
	}) (*struct {
		Body domain.Definition `json:"body"`
	}, error) {
		d, err := h.e.CreateDefinition(ctx, engine.DefinitionCreateOptions{
			FeatureID:      input.ID,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Preconditions:  input.Body.Preconditions,
			ExpectedResult: input.Body.ExpectedResult,
			Steps:          definitionSteps(input.Body.Steps),
			Priority:       domain.Priority(input.Body.Priority),
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Definition `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-feature-test-cases",
		Method:      http.MethodGet,
		Path:        "/features/{id}/test-cases",
		Summary:     "List definitions of a feature",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID              string `path:"id"`
		IncludeInactive bool   `query:"include_inactive"`
	}) (*struct {
		Body []domain.DefinitionSummary `json:"body"`
	}, error) {
		items, err := h.e.ListDefinitions(ctx, input.ID, input.IncludeInactive)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.DefinitionSummary `json:"body"`
		}{Body: orEmpty(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-test-cases",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/test-cases",
		Summary:     "List active definitions of a project",
		Description: "priority takes a comma-separated list, e.g. critical,high.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID        string `path:"id"`
		EpicID    string `query:"epic_id"`
		FeatureID string `query:"feature_id"`
		Priority  string `query:"priority"`
	}) (*struct {
		Body []domain.DefinitionSummary `json:"body"`
	}, error) {
		prios, err := engine.ParsePriorities(input.Priority)
		if err != nil {
			return nil, h.fail(err)
		}
		items, err := h.e.ListProjectDefinitions(ctx, engine.DefinitionQuery{
			ProjectID:  input.ID,
			EpicID:     input.EpicID,
			FeatureID:  input.FeatureID,
			Priorities: prios,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.DefinitionSummary `json:"body"`
		}{Body: orEmpty(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-test-case",
		Method:      http.MethodGet,
		Path:        "/test-cases/{id}",
		Summary:     "Get definition with its execution count",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.DefinitionSummary `json:"body"`
	}, error) {
		d, err := h.e.GetDefinition(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.DefinitionSummary `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-test-case",
		Method:      http.MethodPut,
		Path:        "/test-cases/{id}",
		Summary:     "Update definition",
		Description: "is_active cannot be changed here; use DELETE and /reactivate.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body UpdateDefinitionRequest `json:"body"`
	}) (*struct {
		Body domain.Definition `json:"body"`
	}, error) {
		opts := engine.DefinitionUpdateOptions{
			ID:             input.ID,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Preconditions:  input.Body.Preconditions,
			ExpectedResult: input.Body.ExpectedResult,
			Priority:       priorityPtr(input.Body.Priority),
		}
		if input.Body.Steps != nil {
			steps := definitionSteps(input.Body.Steps)
			opts.Steps = &steps
		}
		d, err := h.e.UpdateDefinition(ctx, opts)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Definition `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-test-case",
		Method:      http.MethodDelete,
		Path:        "/test-cases/{id}",
		Summary:     "Deactivate a definition, or remove it with hard=true",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Hard bool   `query:"hard"`
	}) (*struct {
		Body DeletedResponse `json:"body"`
	}, error) {
		var err error
		if input.Hard {
			err = h.e.DeleteDefinition(ctx, input.ID)
		} else {
			_, err = h.e.DeactivateDefinition(ctx, input.ID)
		}
		if err != nil {
			return nil, h.fail(err)
		}
		return deleted(input.ID), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reactivate-test-case",
		Method:      http.MethodPost,
		Path:        "/test-cases/{id}/reactivate",
		Summary:     "Reactivate a deactivated definition",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Definition `json:"body"`
	}, error) {
		d, err := h.e.ReactivateDefinition(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Definition `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-test-case-executions",
		Method:      http.MethodGet,
		Path:        "/test-cases/{id}/executions",
		Summary:     "List cases linked to a definition, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body []domain.Case `json:"body"`
	}, error) {
		items, err := h.e.Executions(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.Case `json:"body"`
		}{Body: orEmpty(items)}, nil
	})
}
