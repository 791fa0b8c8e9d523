package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kalambet/materiality/internal/dataset"
	"github.com/kalambet/materiality/internal/domain"
	"github.com/kalambet/materiality/internal/prediction"
	"github.com/kalambet/materiality/internal/retrain"
)

const (
	maxUploadSize      = 32 << 20 // 32MB
	maxRequestBodySize = 1 << 20  // 1MB
)

// Result is the wire form of a prediction.
type Result struct {
	PredictionID             string  `json:"prediction_id"`
	Name1                    string  `json:"name1"`
	Name2                    string  `json:"name2"`
	Prediction               string  `json:"prediction"`
	IsMaterial               bool    `json:"is_material"`
	MaterialityProbability   float64 `json:"materiality_probability"`
	ImmaterialityProbability float64 `json:"immateriality_probability"`
	ModelVersion             int64   `json:"model_version"`
}

func toResult(r domain.PredictionRecord) Result {
	return Result{
		PredictionID:             r.ID,
		Name1:                    r.NameA,
		Name2:                    r.NameB,
		Prediction:               dataset.PredictionLabel(r.PredictedLabel),
		IsMaterial:               r.PredictedLabel,
		MaterialityProbability:   r.MaterialityProbability,
		ImmaterialityProbability: r.ImmaterialityProbability,
		ModelVersion:             r.ModelVersion,
	}
}

func toResults(records []domain.PredictionRecord) []Result {
	out := make([]Result, len(records))
	for i, r := range records {
		out[i] = toResult(r)
	}
	return out
}

// openUpload returns the multipart "file" part. Only CSV is accepted.
func openUpload(w http.ResponseWriter, r *http.Request) (multipart.File, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	f, hdr, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, domain.Invalid("file", "is required")
	}
	if err != nil {
		return nil, domain.Invalid("file", "could not be read: %v", err)
	}
	if ext := strings.ToLower(filepath.Ext(hdr.Filename)); ext != "" && ext != ".csv" {
		f.Close()
		return nil, domain.Invalid("file", "must be a CSV file, got %s", ext)
	}
	return f, nil
}

type uploadResponse struct {
	Success  bool    `json:"success"`
	Accuracy float64 `json:"accuracy"`
	Message  string  `json:"message"`
	Version  int64   `json:"version"`
}

func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := openUpload(w, r)
		if err != nil {
			respondError(w, deps.Logger, err)
			return
		}
		defer f.Close()

		examples, err := dataset.ReadTrainingCSV(f)
		if err != nil {
			respondError(w, deps.Logger, err)
			return
		}
		v, err := deps.Retrain.Train(r.Context(), examples)
		if err != nil {
			respondError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, uploadResponse{
			Success:  true,
			Accuracy: v.Accuracy,
			Message:  fmt.Sprintf("Model trained successfully with accuracy: %.2f", v.Accuracy),
			Version:  v.VersionID,
		})
	}
}

type predictResponse struct {
	Success     bool               `json:"success"`
	BatchID     string             `json:"batch_id"`
	Results     []Result           `json:"results"`
	Summary     prediction.Summary `json:"summary"`
	DownloadURL string             `json:"download_url"`
}

func handlePredict(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := openUpload(w, r)
		if err != nil {
			respondError(w, deps.Logger, err)
			return
		}
		defer f.Close()

		pairs, err := dataset.ReadPairsCSV(f)
		if err != nil {
			respondError(w, deps.Logger, err)
			return
		}
		records, err := deps.Predictions.PredictAll(r.Context(), pairs)
		if err != nil {
			respondError(w, deps.Logger, err)
			return
		}

		batchID := records[0].BatchID
		writeJSON(w, http.StatusOK, predictResponse{
			Success:     true,
			BatchID:     batchID,
			Results:     toResults(records),
			Summary:     prediction.Summarize(records),
			DownloadURL: "/download/" + batchID,
		})
	}
}

func handleDownload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := chi.URLParam(r, "batch_id")
		records, err := deps.Predictions.BatchRecords(r.Context(), batchID)
		if errors.Is(err, domain.ErrNotFound) {
			httpError(w, http.StatusNotFound, "batch %s not found", batchID)
			return
		}
		if err != nil {
			respondError(w, deps.Logger, err)
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="predictions_%s.csv"`, batchID))
		if err := dataset.WritePredictionsCSV(w, records); err != nil {
			deps.Logger.Error("writing download", zap.String("batch_id", batchID), zap.Error(err))
		}
	}
}

type pairRequest struct {
	Name1 string `json:"name1"`
	Name2 string `json:"name2"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if domain.IsValidation(err) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return domain.Invalid("body", "is required")
		}
		return domain.Invalid("body", "is not valid JSON: %v", err)
	}
	return nil
}

func handleTestPrediction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pairRequest
		if err := decodeBody(w, r, &req); err != nil {
			respondError(w, deps.Logger, err)
			return
		}
		rec, err := deps.Predictions.PredictOne(r.Context(), req.Name1, req.Name2)
		if err != nil {
			respondError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"result":  toResult(rec),
		})
	}
}

func handleListVersions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		versions, err := deps.Versions.List(r.Context())
		if err != nil {
			respondError(w, deps.Logger, err)
			return
		}
		if versions == nil {
			versions = []domain.ModelVersion{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"versions": versions,
		})
	}
}

func handleGetVersion(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			httpError(w, http.StatusBadRequest, "version id must be a positive integer")
			return
		}
		v, err := deps.Versions.Get(r.Context(), id)
		if errors.Is(err, domain.ErrNotFound) {
			httpError(w, http.StatusNotFound, "model version %d not found", id)
			return
		}
		if err != nil {
			respondError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"version": v,
		})
	}
}

type retrainResponse struct {
	Success          bool                 `json:"success"`
	Message          string               `json:"message,omitempty"`
	NewVersion       *domain.ModelVersion `json:"new_version,omitempty"`
	ConsumedFeedback int                  `json:"consumed_feedback,omitempty"`
}

func handleRetrain(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Retrain.Retrain(r.Context(), true)
		if err != nil {
			respondError(w, deps.Logger, err)
			return
		}
		if !res.Success {
			writeJSON(w, http.StatusOK, retrainResponse{Message: res.Reason})
			return
		}
		writeJSON(w, http.StatusOK, retrainResponse{
			Success:          true,
			Message:          fmt.Sprintf("Model retrained as version %d", res.NewVersion.VersionID),
			NewVersion:       res.NewVersion,
			ConsumedFeedback: res.ConsumedFeedback,
		})
	}
}

type statusResponse struct {
	Success       bool                 `json:"success"`
	Status        retrain.Status       `json:"status"`
	ActiveVersion *domain.ModelVersion `json:"active_version,omitempty"`
}

func handleModelStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Retrain.Status(r.Context())
		if err != nil {
			respondError(w, deps.Logger, err)
			return
		}
		resp := statusResponse{Success: true, Status: st}
		if v, err := deps.Versions.Active(); err == nil {
			resp.ActiveVersion = &v
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleReconcile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Reconcile.Drain(r.Context())
		if err != nil {
			respondError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"reconciled": n,
		})
	}
}
