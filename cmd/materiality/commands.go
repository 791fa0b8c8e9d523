package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/materiality/internal/config"
	"github.com/kalambet/materiality/internal/domain"
	"github.com/kalambet/materiality/internal/prediction"
	"github.com/kalambet/materiality/internal/retrain"
)

// result mirrors one prediction row returned by the server.
type result struct {
	PredictionID             string  `json:"prediction_id"`
	Name1                    string  `json:"name1"`
	Name2                    string  `json:"name2"`
	Prediction               string  `json:"prediction"`
	IsMaterial               bool    `json:"is_material"`
	MaterialityProbability   float64 `json:"materiality_probability"`
	ImmaterialityProbability float64 `json:"immateriality_probability"`
	ModelVersion             int64   `json:"model_version"`
}

// --- train ---

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a new model version from a labeled CSV",
	Long: `Train a new model version from a labeled CSV.

The file needs source1, source2 and is_material columns; source3 is optional.

Examples:
  materiality train --file ./labeled.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Training on %s...", file)
		return runTrain(cmd.Context(), client, file)
	},
}

func runTrain(ctx context.Context, client *apiClient, file string) error {
	resp, err := client.upload(ctx, "/upload", file)
	if err != nil {
		return err
	}
	var out struct {
		Accuracy float64 `json:"accuracy"`
		Version  int64   `json:"version"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	printSuccess("Model version %d trained (accuracy %.2f)", out.Version, out.Accuracy)
	return nil
}

func init() {
	trainCmd.Flags().String("file", "", "labeled training CSV")
}

// --- predict ---

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Classify name pairs",
	Long: `Classify name pairs with the active model.

Examples:
  materiality predict --name1 "Acme Inc" --name2 "Acme Incorporated"
  materiality predict --file ./pairs.csv --output ./predictions.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		output, _ := cmd.Flags().GetString("output")
		name1, _ := cmd.Flags().GetString("name1")
		name2, _ := cmd.Flags().GetString("name2")

		if file == "" && (name1 == "" || name2 == "") {
			return fmt.Errorf("either --file or both --name1 and --name2 are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if file != "" {
			return runPredictFile(cmd.Context(), client, os.Stdout, file, output)
		}
		return runPredictPair(cmd.Context(), client, os.Stdout, name1, name2)
	},
}

func runPredictPair(ctx context.Context, client *apiClient, w io.Writer, name1, name2 string) error {
	resp, err := client.post(ctx, "/test_prediction", map[string]string{
		"name1": name1,
		"name2": name2,
	})
	if err != nil {
		return err
	}
	var out struct {
		Result result `json:"result"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}

	r := out.Result
	fmt.Fprintf(w, "%s (p=%.4f, model v%d)\n", materialLabel(r.IsMaterial), r.MaterialityProbability, r.ModelVersion)
	fmt.Fprintf(w, "prediction id: %s\n", r.PredictionID)
	return nil
}

func runPredictFile(ctx context.Context, client *apiClient, w io.Writer, file, output string) error {
	resp, err := client.upload(ctx, "/predict", file)
	if err != nil {
		return err
	}
	var out struct {
		BatchID     string             `json:"batch_id"`
		Results     []result           `json:"results"`
		Summary     prediction.Summary `json:"summary"`
		DownloadURL string             `json:"download_url"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}

	if output == "" {
		rows := make([][]string, 0, len(out.Results))
		for _, r := range out.Results {
			rows = append(rows, []string{
				r.PredictionID,
				r.Name1,
				r.Name2,
				r.Prediction,
				strconv.FormatFloat(r.MaterialityProbability, 'f', 4, 64),
			})
		}
		printTable(w, []string{"ID", "NAME1", "NAME2", "PREDICTION", "P(MATERIAL)"}, rows)
	} else if err := download(ctx, client, out.DownloadURL, output); err != nil {
		return err
	}

	s := out.Summary
	printSuccess("Batch %s: %d predictions, %d material (%.2f%%)",
		out.BatchID, s.TotalPredictions, s.MaterialCount, s.MaterialPercentage)
	return nil
}

func download(ctx context.Context, client *apiClient, path, output string) error {
	resp, err := client.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeJSON(resp, nil)
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("creating %s: %w", output, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", output, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	printSuccess("Wrote %s", output)
	return nil
}

func init() {
	predictCmd.Flags().String("file", "", "CSV of name pairs")
	predictCmd.Flags().String("output", "", "write the predictions CSV to this path")
	predictCmd.Flags().String("name1", "", "first name of a single pair")
	predictCmd.Flags().String("name2", "", "second name of a single pair")
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Mark a prediction as correct or wrong",
	Long: `Mark a prediction as correct or wrong.

Examples:
  materiality feedback --prediction-id 3f2a... --wrong
  materiality feedback --name1 "Acme Inc" --name2 "Acme Ltd" --correct --text "same entity"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		wrong, _ := cmd.Flags().GetBool("wrong")
		correct, _ := cmd.Flags().GetBool("correct")
		if wrong == correct {
			return fmt.Errorf("exactly one of --wrong or --correct is required")
		}

		req := map[string]any{"is_wrong": wrong}
		for flag, field := range map[string]string{
			"prediction-id": "prediction_id",
			"name1":         "name1",
			"name2":         "name2",
			"text":          "feedback_text",
		} {
			if v, _ := cmd.Flags().GetString(flag); v != "" {
				req[field] = v
			}
		}
		if req["prediction_id"] == nil && (req["name1"] == nil || req["name2"] == nil) {
			return fmt.Errorf("--prediction-id or both --name1 and --name2 are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runFeedback(cmd.Context(), client, req)
	},
}

func runFeedback(ctx context.Context, client *apiClient, req map[string]any) error {
	resp, err := client.post(ctx, "/feedback", req)
	if err != nil {
		return err
	}
	var out struct {
		FeedbackID     string `json:"feedback_id"`
		ModelRetrained bool   `json:"model_retrained"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	printSuccess("Recorded feedback %s", out.FeedbackID)
	if out.ModelRetrained {
		printSuccess("Model retrained")
	}
	return nil
}

func init() {
	feedbackCmd.Flags().String("prediction-id", "", "prediction to give feedback on")
	feedbackCmd.Flags().String("name1", "", "first name, when no prediction id is known")
	feedbackCmd.Flags().String("name2", "", "second name, when no prediction id is known")
	feedbackCmd.Flags().Bool("wrong", false, "the prediction was wrong")
	feedbackCmd.Flags().Bool("correct", false, "the prediction was correct")
	feedbackCmd.Flags().String("text", "", "free-text note")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show feedback statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runStats(cmd.Context(), client)
	},
}

func runStats(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/feedback/stats")
	if err != nil {
		return err
	}
	var out struct {
		Stats domain.FeedbackStats `json:"stats"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	s := out.Stats
	printStatus("Total", "%d", s.TotalFeedback)
	printStatus("Unprocessed", "%d", s.UnprocessedFeedback)
	printStatus("Corrections", "%d (%.2f%%)", s.CorrectionsCount, s.CorrectionRate)
	return nil
}

// --- versions ---

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List model versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runVersions(cmd.Context(), client, os.Stdout)
	},
}

func runVersions(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/model/versions")
	if err != nil {
		return err
	}
	var out struct {
		Versions []domain.ModelVersion `json:"versions"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	if len(out.Versions) == 0 {
		printWarning("No model versions yet. Run 'materiality train --file <csv>'.")
		return nil
	}

	rows := make([][]string, 0, len(out.Versions))
	for _, v := range out.Versions {
		active := ""
		if v.IsActive {
			active = "*"
		}
		rows = append(rows, []string{
			strconv.FormatInt(v.VersionID, 10) + active,
			v.Source,
			strconv.FormatFloat(v.Accuracy, 'f', 4, 64),
			strconv.Itoa(v.TrainedExampleCount),
			strconv.Itoa(v.ConsumedFeedbackCount),
			v.CreatedAt.Local().Format(time.DateTime),
		})
	}
	printTable(w, []string{"VERSION", "SOURCE", "ACCURACY", "EXAMPLES", "FEEDBACK", "CREATED"}, rows)
	return nil
}

// --- retrain ---

var retrainCmd = &cobra.Command{
	Use:   "retrain",
	Short: "Retrain now from all unprocessed feedback",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Retraining...")
		return runRetrain(cmd.Context(), client)
	},
}

func runRetrain(ctx context.Context, client *apiClient) error {
	resp, err := client.post(ctx, "/model/retrain", nil)
	if err != nil {
		return err
	}
	var out struct {
		Success          bool                 `json:"success"`
		Message          string               `json:"message"`
		NewVersion       *domain.ModelVersion `json:"new_version"`
		ConsumedFeedback int                  `json:"consumed_feedback"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	if !out.Success || out.NewVersion == nil {
		printWarning("Nothing to retrain: %s", out.Message)
		return nil
	}
	printSuccess("Model version %d trained from %d feedback records (accuracy %.2f)",
		out.NewVersion.VersionID, out.ConsumedFeedback, out.NewVersion.Accuracy)
	return nil
}

// --- reconcile ---

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Finish pending feedback marking from partial retrains",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runReconcile(cmd.Context(), client)
	},
}

func runReconcile(ctx context.Context, client *apiClient) error {
	resp, err := client.post(ctx, "/model/reconcile", nil)
	if err != nil {
		return err
	}
	var out struct {
		Reconciled int `json:"reconciled"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	printSuccess("Reconciled %d pending jobs", out.Reconciled)
	return nil
}

// --- backup ---

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a database backup and prune old ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		a, err := openApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		path, err := a.backups.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		printSuccess("Backup written to %s", path)
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and retrain state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runStatus(cmd.Context(), client)
	},
}

func runStatus(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		return err
	}
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := decodeJSON(resp, &health); err != nil {
		return err
	}
	printSuccess("materiality %s is %s", health.Version, health.Status)

	resp, err = client.get(ctx, "/model/status")
	if err != nil {
		return err
	}
	var out struct {
		Status        retrain.Status       `json:"status"`
		ActiveVersion *domain.ModelVersion `json:"active_version"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}

	if out.ActiveVersion != nil {
		printStatus("Active model", "v%d (accuracy %.2f)", out.ActiveVersion.VersionID, out.ActiveVersion.Accuracy)
	} else {
		printStatus("Active model", "%s", colorize(colorYellow, "none"))
	}
	st := out.Status
	printStatus("Retrain state", "%s", st.State)
	printStatus("Feedback", "%d/%d unprocessed", st.Unprocessed, st.Threshold)
	if st.PendingReconcile > 0 {
		printWarning("%d retrains awaiting reconciliation (%d jobs queued)", st.PendingReconcile, st.QueuedJobs)
	}
	if st.LastError != "" {
		printStatus("Last error", "%s", colorize(colorRed, st.LastError))
	}
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		return showConfig(os.Stdout, config.ShowAll(cfg), asJSON)
	},
}

func showConfig(w io.Writer, keys []config.KeyInfo, asJSON bool) error {
	if asJSON {
		m := make(map[string]string, len(keys))
		for _, k := range keys {
			m[k.Key] = k.Value
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
	}
	return nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("json", false, "print as JSON")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
