package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/kalambet/materiality/internal/domain"
	"github.com/kalambet/materiality/internal/feedback"
	"github.com/kalambet/materiality/internal/retrain"
)

// FeedbackRequest accepts booleans in any of the forms domain.FlexBool
// decodes.
type FeedbackRequest struct {
	PredictionID       string           `json:"prediction_id"`
	Name1              string           `json:"name1"`
	Name2              string           `json:"name2"`
	OriginalPrediction *domain.FlexBool `json:"original_prediction"`
	UserCorrection     *domain.FlexBool `json:"user_correction"`
	IsWrong            *domain.FlexBool `json:"is_wrong"`
	ConfidenceScore    *float64         `json:"confidence_score"`
	FeedbackText       string           `json:"feedback_text"`
}

func boolPtr(b *domain.FlexBool) *bool {
	if b == nil {
		return nil
	}
	v := bool(*b)
	return &v
}

func (r FeedbackRequest) candidate() feedback.Candidate {
	return feedback.Candidate{
		PredictionID:       r.PredictionID,
		NameA:              r.Name1,
		NameB:              r.Name2,
		OriginalPrediction: boolPtr(r.OriginalPrediction),
		UserCorrection:     boolPtr(r.UserCorrection),
		IsWrong:            boolPtr(r.IsWrong),
		ConfidenceScore:    r.ConfidenceScore,
		FeedbackText:       r.FeedbackText,
	}
}

type feedbackResponse struct {
	Success        bool   `json:"success"`
	FeedbackID     string `json:"feedback_id"`
	Message        string `json:"message"`
	ModelRetrained bool   `json:"model_retrained"`
}

// submitFeedback records c and lets the orchestrator decide whether to
// retrain. A failed retrain does not fail the submission.
func submitFeedback(ctx context.Context, fb *feedback.Store, orch *retrain.Orchestrator,
	logger *zap.Logger, c feedback.Candidate) (feedbackResponse, error) {
	rec, err := fb.Record(ctx, c)
	if err != nil {
		return feedbackResponse{}, err
	}

	retrained, err := orch.OnFeedback(ctx)
	if err != nil {
		logger.Warn("retrain after feedback failed",
			zap.String("feedback_id", rec.ID),
			zap.Error(err),
		)
	}

	msg := "Feedback recorded successfully"
	if retrained {
		msg = "Feedback recorded and model retrained"
	}
	return feedbackResponse{
		Success:        true,
		FeedbackID:     rec.ID,
		Message:        msg,
		ModelRetrained: retrained,
	}, nil
}

func handleFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FeedbackRequest
		if err := decodeBody(w, r, &req); err != nil {
			respondError(w, deps.Logger, err)
			return
		}
		resp, err := submitFeedback(r.Context(), deps.Feedback, deps.Retrain, deps.Logger, req.candidate())
		if err != nil {
			respondError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleFeedbackStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Feedback.Stats(r.Context())
		if err != nil {
			respondError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"stats":   stats,
		})
	}
}
