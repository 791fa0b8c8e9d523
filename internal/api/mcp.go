package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kalambet/materiality/internal/domain"
	"github.com/kalambet/materiality/internal/feedback"
	"github.com/kalambet/materiality/internal/prediction"
	"github.com/kalambet/materiality/internal/registry"
	"github.com/kalambet/materiality/internal/retrain"
)

// maxMCPBatch caps the pairs accepted by predict_batch.
const maxMCPBatch = 1000

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Predictions *prediction.Service
	Feedback    *feedback.Store
	Versions    *registry.Registry
	Retrain     *retrain.Orchestrator
	Logger      *zap.Logger
}

// NewMCPServer creates an MCP server exposing prediction, feedback and the
// model history as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := server.NewMCPServer(
		"materiality",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("materiality classifies changes between legal entity names as material or immaterial and learns from reviewer feedback."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("predict_pair",
			mcp.WithDescription("Classify the change between two legal entity names with the active model."),
			mcp.WithString("name1", mcp.Description("Original entity name"), mcp.Required()),
			mcp.WithString("name2", mcp.Description("New entity name"), mcp.Required()),
		),
		mcpPredictPair(deps),
	)

	s.AddTool(
		mcp.NewTool("predict_batch",
			mcp.WithDescription("Classify many name pairs against one model version. Returns the batch id usable with /download."),
			mcp.WithString("pairs", mcp.Description(`JSON array of {"name1","name2"} objects`), mcp.Required()),
		),
		mcpPredictBatch(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_feedback",
			mcp.WithDescription("Record a reviewer verdict on a prediction. May trigger a retrain."),
			mcp.WithString("prediction_id", mcp.Description("Prediction to review; if empty the latest prediction for name1/name2 is used")),
			mcp.WithString("name1", mcp.Description("Original entity name")),
			mcp.WithString("name2", mcp.Description("New entity name")),
			mcp.WithBoolean("is_wrong", mcp.Description("True when the prediction was wrong")),
			mcp.WithBoolean("user_correction", mcp.Description("The correct materiality label")),
			mcp.WithBoolean("original_prediction", mcp.Description("Label the reviewer saw; must match the stored prediction")),
			mcp.WithNumber("confidence_score", mcp.Description("Reviewer confidence in [0,1]")),
			mcp.WithString("feedback_text", mcp.Description("Optional reviewer note")),
		),
		mcpSubmitFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("feedback_stats",
			mcp.WithDescription("Summarize recorded feedback and the correction rate."),
		),
		mcpFeedbackStats(deps),
	)

	s.AddTool(
		mcp.NewTool("list_versions",
			mcp.WithDescription("List model versions, most recent first."),
		),
		mcpListVersions(deps),
	)

	s.AddTool(
		mcp.NewTool("retrain_model",
			mcp.WithDescription("Retrain now on all unprocessed feedback, ignoring the threshold."),
		),
		mcpRetrainModel(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"model://active",
			"Active Model",
			mcp.WithResourceDescription("Metadata of the active model version"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceActive(deps),
	)

	return s
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpPredictPair(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name1, err := req.RequireString("name1")
		if err != nil {
			return mcpError("name1 is required"), nil
		}
		name2, err := req.RequireString("name2")
		if err != nil {
			return mcpError("name2 is required"), nil
		}

		rec, err := deps.Predictions.PredictOne(ctx, name1, name2)
		if err != nil {
			return mcpError(errorMessage(err)), nil
		}
		return mcpJSON(toResult(rec)), nil
	}
}

func mcpPredictBatch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("pairs")
		if err != nil {
			return mcpError("pairs is required"), nil
		}
		var in []pairRequest
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			return mcpError(fmt.Sprintf("invalid pairs JSON: %v", err)), nil
		}
		if len(in) == 0 || len(in) > maxMCPBatch {
			return mcpError(fmt.Sprintf("pairs must hold between 1 and %d entries", maxMCPBatch)), nil
		}

		pairs := make([]domain.Pair, len(in))
		for i, p := range in {
			pair, err := domain.NewPair(p.Name1, p.Name2)
			if err != nil {
				return mcpError(fmt.Sprintf("pair %d: %v", i, err)), nil
			}
			pairs[i] = pair
		}

		batch, err := deps.Predictions.PredictBatch(ctx, pairs)
		if err != nil {
			return mcpError(errorMessage(err)), nil
		}
		records := make([]domain.PredictionRecord, 0, batch.Len())
		for rec, err := range batch.All(ctx) {
			if err != nil {
				return mcpError(fmt.Sprintf("batch %s stopped after %d pairs: %v", batch.ID, len(records), err)), nil
			}
			records = append(records, rec)
		}

		return mcpJSON(map[string]any{
			"batch_id":      batch.ID,
			"model_version": batch.Version.VersionID,
			"results":       toResults(records),
			"summary":       prediction.Summarize(records),
		}), nil
	}
}

// optionalBool reads an argument that may be absent.
func optionalBool(req mcp.CallToolRequest, key string) (*bool, error) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return nil, nil
	}
	b, err := domain.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &b, nil
}

func optionalNumber(req mcp.CallToolRequest, key string) (*float64, error) {
	v, ok := req.GetArguments()[key]
	if !ok || v == nil {
		return nil, nil
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a number", key, n)
		}
		f = parsed
	default:
		return nil, fmt.Errorf("%s: unsupported type %T", key, v)
	}
	return &f, nil
}

func mcpSubmitFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		isWrong, err := optionalBool(req, "is_wrong")
		if err != nil {
			return mcpError(err.Error()), nil
		}
		correction, err := optionalBool(req, "user_correction")
		if err != nil {
			return mcpError(err.Error()), nil
		}
		original, err := optionalBool(req, "original_prediction")
		if err != nil {
			return mcpError(err.Error()), nil
		}
		confidence, err := optionalNumber(req, "confidence_score")
		if err != nil {
			return mcpError(err.Error()), nil
		}

		c := feedback.Candidate{
			PredictionID:       req.GetString("prediction_id", ""),
			NameA:              req.GetString("name1", ""),
			NameB:              req.GetString("name2", ""),
			OriginalPrediction: original,
			IsWrong:            isWrong,
			UserCorrection:     correction,
			ConfidenceScore:    confidence,
			FeedbackText:       req.GetString("feedback_text", ""),
		}
		resp, err := submitFeedback(ctx, deps.Feedback, deps.Retrain, deps.Logger, c)
		if err != nil {
			return mcpError(errorMessage(err)), nil
		}
		return mcpJSON(resp), nil
	}
}

func mcpFeedbackStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Feedback.Stats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read stats: %v", err)), nil
		}
		return mcpJSON(stats), nil
	}
}

func mcpListVersions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		versions, err := deps.Versions.List(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list versions: %v", err)), nil
		}
		if len(versions) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(versions), nil
	}
}

func mcpRetrainModel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Retrain.Retrain(ctx, true)
		if err != nil {
			return mcpError(errorMessage(err)), nil
		}
		return mcpJSON(res), nil
	}
}

func mcpResourceActive(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		v, err := deps.Versions.Active()
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNoModelTrained
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read active version: %w", err)
		}

		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal version: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
