package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"redstone/internal/artifacts"
	"redstone/internal/domain"
	"redstone/internal/engine"
)

func registerRuns(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/runs/start",
		Summary:       "Start a test run",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body StartRunRequest `json:"body"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := h.e.StartRun(ctx, engine.RunStartOptions{Name: input.Body.Name, ProjectID: input.Body.ProjectID})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs newest first with their stats",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Limit     int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body []domain.RunSummary `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = h.defaultRunLimit
		}
		items, err := h.e.ListRuns(ctx, engine.RunListOptions{ProjectID: input.ProjectID, Limit: limit})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.RunSummary `json:"body"`
		}{Body: orEmpty(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get run with stats",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.RunSummary `json:"body"`
	}, error) {
		run, err := h.e.GetRun(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.RunSummary `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/finish",
		Summary:     "Complete a running run",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.RunSummary `json:"body"`
	}, error) {
		run, err := h.e.FinishRun(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.RunSummary `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/abort",
		Summary:     "Abort a running run",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := h.e.AbortRun(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-checkpoint",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/checkpoint",
		Summary:     "Names of cases already reported, for resuming",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Checkpoint `json:"body"`
	}, error) {
		cp, err := h.e.Checkpoint(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Checkpoint `json:"body"`
		}{Body: cp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-run",
		Method:      http.MethodDelete,
		Path:        "/runs/{id}",
		Summary:     "Delete a run with its cases and screenshots",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*struct {
		Body DeletedResponse `json:"body"`
	}, error) {
		if err := h.e.DeleteRun(ctx, input.ID); err != nil {
			return nil, h.fail(err)
		}
		return deleted(input.ID), nil
	})
}

func registerCases(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-run-cases",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/cases",
		Summary:     "List cases of a run in report order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Status string `query:"status"`
	}) (*struct {
		Body []domain.Case `json:"body"`
	}, error) {
		items, err := h.e.ListCases(ctx, input.ID, domain.CaseStatus(input.Status))
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.Case `json:"body"`
		}{Body: orEmpty(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{id}",
		Summary:     "Get case with steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		c, err := h.e.GetCase(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-case",
		Method:      http.MethodDelete,
		Path:        "/cases/{id}",
		Summary:     "Delete a case and its screenshot",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*struct {
		Body DeletedResponse `json:"body"`
	}, error) {
		if err := h.e.DeleteCase(ctx, input.ID); err != nil {
			return nil, h.fail(err)
		}
		return deleted(input.ID), nil
	})
}

// registerUploads mounts the routes huma cannot describe: multipart case
// reports and raw screenshot downloads.
func registerUploads(r chi.Router, basePath string, h handlers) {
	r.Post(path.Join(basePath, "runs", "{id}", "report"), h.reportCase)
	r.Get(path.Join(basePath, "screenshots")+"/*", h.screenshot)
}

// reportCase accepts either a JSON body or a multipart form with a "data"
// JSON part and an optional "screenshot" file.
func (h handlers) reportCase(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	req, shot, err := h.decodeReport(w, r)
	if err != nil {
		respondStatusError(w, h.fail(err))
		return
	}
	c, err := h.e.ReportCase(r.Context(), req.caseReport(runID, shot))
	if err != nil {
		respondStatusError(w, h.fail(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(c)
}

// reportOverhead is the room left beside the screenshot for the data part and
// multipart framing.
const reportOverhead = 1 << 20

func (h handlers) decodeReport(w http.ResponseWriter, r *http.Request) (ReportCaseRequest, *artifacts.Screenshot, error) {
	var req ReportCaseRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxShot+reportOverhead)
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "application/json"
	}
	if mediaType != "multipart/form-data" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, nil, domain.Invalid("body", "invalid JSON: %v", err)
		}
		return req, nil, nil
	}

	if err := r.ParseMultipartForm(32 << 10); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, nil, domain.Invalid("body", "exceeds %d bytes", tooLarge.Limit)
		}
		return req, nil, domain.Invalid("body", "invalid multipart form: %v", err)
	}
	data := r.FormValue("data")
	if strings.TrimSpace(data) == "" {
		return req, nil, domain.Invalid("data", "required")
	}
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return req, nil, domain.Invalid("data", "invalid JSON: %v", err)
	}
	file, header, err := r.FormFile("screenshot")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil, nil
	}
	if err != nil {
		return req, nil, domain.Invalid("screenshot", "%v", err)
	}
	defer file.Close()
	buf, err := io.ReadAll(io.LimitReader(file, h.maxShot+1))
	if err != nil {
		return req, nil, err
	}
	if int64(len(buf)) > h.maxShot {
		return req, nil, domain.Invalid("screenshot", "exceeds %d bytes", h.maxShot)
	}
	return req, &artifacts.Screenshot{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        buf,
	}, nil
}

func (h handlers) screenshot(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	f, err := h.e.OpenScreenshot(rel)
	if err != nil {
		respondStatusError(w, h.fail(err))
		return
	}
	defer f.Close()
	ct := mime.TypeByExtension(path.Ext(rel))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	_, _ = io.Copy(w, f)
}
