package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/materiality/internal/classifier"
	"github.com/kalambet/materiality/internal/domain"
	"github.com/kalambet/materiality/internal/feedback"
	"github.com/kalambet/materiality/internal/prediction"
	"github.com/kalambet/materiality/internal/reconcile"
	"github.com/kalambet/materiality/internal/registry"
	"github.com/kalambet/materiality/internal/retrain"
	"github.com/kalambet/materiality/internal/storage"
)

const testToken = "test-token-12345"

const trainingCSV = `source1,source2,is_material
ABC LTD,ABC Limited,false
Acme Inc,Acme Incorporated,false
Foo Holdings,Foo Holdings PLC,false
XYZ Corp,Acme Inc,true
Blue Sky LLC,Red Ocean Partners,true
Northwind Traders,Contoso Ltd,true
`

type testApp struct {
	handler http.Handler
	store   *storage.Store
	deps    AppDeps
}

func setupApp(t *testing.T, threshold int) *testApp {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := zap.NewNop()
	trainer := classifier.NewLogisticTrainer(classifier.Options{Epochs: 200})
	reg := registry.New(store, trainer, logger)
	fb := feedback.NewStore(store, logger)
	orch := retrain.New(retrain.Config{Threshold: threshold}, fb, reg, trainer, store, logger)

	deps := AppDeps{
		Predictions: prediction.NewService(reg, store, logger),
		Feedback:    fb,
		Versions:    reg,
		Retrain:     orch,
		Reconcile:   reconcile.NewWorker(store, orch, 0, logger),
		DB:          store,
		Logger:      logger,
		Token:       testToken,
	}
	return &testApp{handler: NewAppHandler(deps), store: store, deps: deps}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func uploadReq(t *testing.T, url, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte(content))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func (a *testApp) serve(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
}

func (a *testApp) upload(t *testing.T) uploadResponse {
	t.Helper()
	rr := a.serve(uploadReq(t, "/upload", "train.csv", trainingCSV))
	if rr.Code != http.StatusOK {
		t.Fatalf("upload status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	var resp uploadResponse
	decode(t, rr, &resp)
	return resp
}

func (a *testApp) testPrediction(t *testing.T, name1, name2 string) Result {
	t.Helper()
	body := fmt.Sprintf(`{"name1":%q,"name2":%q}`, name1, name2)
	rr := a.serve(authReq(http.MethodPost, "/test_prediction", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("test_prediction status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Success bool   `json:"success"`
		Result  Result `json:"result"`
	}
	decode(t, rr, &resp)
	return resp.Result
}

func TestAuthRequired(t *testing.T) {
	a := setupApp(t, 10)

	for _, path := range []string{"/model/versions", "/feedback/stats", "/model/status", "/analytics/daily"} {
		rr := a.serve(authReq(http.MethodGet, path, "", ""))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d, want 401", path, rr.Code)
		}
		rr = a.serve(authReq(http.MethodGet, path, "", "wrong-token"))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s with wrong token: status = %d, want 401", path, rr.Code)
		}
	}
}

func TestHealthIsPublic(t *testing.T) {
	a := setupApp(t, 10)

	rr := a.serve(authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp healthResponse
	decode(t, rr, &resp)
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want %q", resp.Status, "healthy")
	}
	if resp.Version != Version {
		t.Errorf("version = %q, want %q", resp.Version, Version)
	}
	if resp.Timestamp == "" {
		t.Error("timestamp is empty")
	}
}

func TestReadyIsPublic(t *testing.T) {
	a := setupApp(t, 10)

	rr := a.serve(authReq(http.MethodGet, "/ready", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp readyResponse
	decode(t, rr, &resp)
	if resp.Status != "ready" || resp.ActiveVersion != 0 {
		t.Errorf("ready before training = %+v", resp)
	}

	a.upload(t)
	rr = a.serve(authReq(http.MethodGet, "/ready", "", ""))
	decode(t, rr, &resp)
	if resp.ActiveVersion != 1 {
		t.Errorf("active version = %d, want 1", resp.ActiveVersion)
	}
}

type downDB struct{}

func (downDB) Ping(context.Context) error { return errors.New("database is locked") }

func TestHealthReportsUnhealthyDB(t *testing.T) {
	h := NewAppHandler(AppDeps{DB: downDB{}, Token: testToken})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	var resp healthResponse
	decode(t, rr, &resp)
	if resp.Status != "unhealthy" {
		t.Errorf("status = %q, want %q", resp.Status, "unhealthy")
	}
}

func TestMetricsIsPublic(t *testing.T) {
	a := setupApp(t, 10)
	a.serve(authReq(http.MethodGet, "/health", "", ""))

	rr := a.serve(authReq(http.MethodGet, "/metrics", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "materiality_http_requests_total") {
		t.Error("metrics output missing materiality_http_requests_total")
	}
}

func TestTestPredictionWithoutModel(t *testing.T) {
	a := setupApp(t, 10)

	rr := a.serve(authReq(http.MethodPost, "/test_prediction", `{"name1":"ABC LTD","name2":"ABC Limited"}`, testToken))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rr.Code)
	}
	var resp errorBody
	decode(t, rr, &resp)
	if resp.Success {
		t.Error("success = true, want false")
	}
	if resp.Error != "No trained model available" {
		t.Errorf("error = %q, want %q", resp.Error, "No trained model available")
	}
}

func TestUploadPredictDownload(t *testing.T) {
	a := setupApp(t, 10)

	up := a.upload(t)
	if !up.Success || up.Version != 1 {
		t.Fatalf("upload = %+v, want success with version 1", up)
	}
	if up.Accuracy < 0 || up.Accuracy > 1 {
		t.Errorf("accuracy = %v, want within [0,1]", up.Accuracy)
	}

	rr := a.serve(uploadReq(t, "/predict", "pairs.csv", "name1,name2\nABC LTD,ABC Ltd\nXYZ Corp,Other Co\n"))
	if rr.Code != http.StatusOK {
		t.Fatalf("predict status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var pred predictResponse
	decode(t, rr, &pred)
	if len(pred.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(pred.Results))
	}
	if pred.Summary.TotalPredictions != 2 {
		t.Errorf("summary total = %d, want 2", pred.Summary.TotalPredictions)
	}
	if pred.Summary.MaterialCount+pred.Summary.ImmaterialCount != 2 {
		t.Errorf("summary counts = %+v", pred.Summary)
	}
	for _, r := range pred.Results {
		if r.ModelVersion != 1 {
			t.Errorf("model_version = %d, want 1", r.ModelVersion)
		}
		if sum := r.MaterialityProbability + r.ImmaterialityProbability; sum < 0.999999 || sum > 1.000001 {
			t.Errorf("probabilities sum to %v", sum)
		}
	}
	if pred.DownloadURL != "/download/"+pred.BatchID {
		t.Errorf("download_url = %q, want /download/%s", pred.DownloadURL, pred.BatchID)
	}

	rr = a.serve(authReq(http.MethodGet, pred.DownloadURL, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("download status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}
	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	if len(lines) != 3 {
		t.Errorf("download lines = %d, want 3", len(lines))
	}
}

func TestDownloadUnknownBatch(t *testing.T) {
	a := setupApp(t, 10)
	rr := a.serve(authReq(http.MethodGet, "/download/nope", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestUploadValidation(t *testing.T) {
	a := setupApp(t, 10)

	rr := a.serve(uploadReq(t, "/upload", "train.xlsx", trainingCSV))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("xlsx upload: status = %d, want 400", rr.Code)
	}

	rr = a.serve(uploadReq(t, "/upload", "train.csv", "source1,source2\nA,B\n"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing column: status = %d, want 400", rr.Code)
	}
	var resp errorBody
	decode(t, rr, &resp)
	if !strings.Contains(resp.Error, "is_material") {
		t.Errorf("error = %q, want it to name is_material", resp.Error)
	}

	req := authReq(http.MethodPost, "/upload", "", testToken)
	rr = a.serve(req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("no file: status = %d, want 400", rr.Code)
	}
}

func TestFeedbackTriggersRetrain(t *testing.T) {
	a := setupApp(t, 2)
	a.upload(t)
	res := a.testPrediction(t, "Foo Holdings", "Foo Hldgs")

	body := fmt.Sprintf(`{"prediction_id":%q,"is_wrong":"yes","feedback_text":"abbreviation"}`, res.PredictionID)
	rr := a.serve(authReq(http.MethodPost, "/feedback", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("first feedback status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var first feedbackResponse
	decode(t, rr, &first)
	if !first.Success || first.FeedbackID == "" || first.ModelRetrained {
		t.Errorf("first feedback = %+v, want recorded without retrain", first)
	}

	body = `{"name1":"Foo Holdings","name2":"Foo Hldgs","is_wrong":1}`
	rr = a.serve(authReq(http.MethodPost, "/feedback", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("second feedback status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var second feedbackResponse
	decode(t, rr, &second)
	if !second.ModelRetrained {
		t.Errorf("second feedback = %+v, want model_retrained", second)
	}

	rr = a.serve(authReq(http.MethodGet, "/model/versions", "", testToken))
	var versions struct {
		Versions []domain.ModelVersion `json:"versions"`
	}
	decode(t, rr, &versions)
	if len(versions.Versions) != 2 {
		t.Fatalf("versions = %d, want 2", len(versions.Versions))
	}
	if versions.Versions[0].VersionID != 2 || !versions.Versions[0].IsActive {
		t.Errorf("latest version = %+v, want active version 2", versions.Versions[0])
	}

	rr = a.serve(authReq(http.MethodGet, "/feedback/stats", "", testToken))
	var stats struct {
		Stats domain.FeedbackStats `json:"stats"`
	}
	decode(t, rr, &stats)
	if stats.Stats.TotalFeedback != 2 || stats.Stats.UnprocessedFeedback != 0 {
		t.Errorf("stats = %+v, want 2 total and 0 unprocessed", stats.Stats)
	}
}

func TestFeedbackErrors(t *testing.T) {
	a := setupApp(t, 10)
	a.upload(t)
	res := a.testPrediction(t, "ABC LTD", "ABC Ltd")

	cases := []struct {
		name string
		body string
		want int
	}{
		{"unknown prediction", `{"prediction_id":"missing","is_wrong":true}`, http.StatusNotFound},
		{"bad bool", fmt.Sprintf(`{"prediction_id":%q,"is_wrong":"maybe"}`, res.PredictionID), http.StatusBadRequest},
		{"no verdict", fmt.Sprintf(`{"prediction_id":%q}`, res.PredictionID), http.StatusBadRequest},
		{"not json", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rr := a.serve(authReq(http.MethodPost, "/feedback", tc.body, testToken))
		if rr.Code != tc.want {
			t.Errorf("%s: status = %d, want %d; body = %s", tc.name, rr.Code, tc.want, rr.Body.String())
		}
	}
}

func TestRetrainEndpoint(t *testing.T) {
	a := setupApp(t, 10)

	rr := a.serve(authReq(http.MethodPost, "/model/retrain", "", testToken))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("retrain before upload: status = %d, want 422", rr.Code)
	}

	a.upload(t)
	rr = a.serve(authReq(http.MethodPost, "/model/retrain", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var noop retrainResponse
	decode(t, rr, &noop)
	if noop.Success || noop.Message != retrain.ReasonNoFeedback {
		t.Errorf("retrain = %+v, want no-op with %q", noop, retrain.ReasonNoFeedback)
	}

	res := a.testPrediction(t, "Foo Holdings", "Foo Hldgs")
	a.serve(authReq(http.MethodPost, "/feedback", fmt.Sprintf(`{"prediction_id":%q,"is_wrong":true}`, res.PredictionID), testToken))

	rr = a.serve(authReq(http.MethodPost, "/model/retrain", "", testToken))
	var done retrainResponse
	decode(t, rr, &done)
	if !done.Success || done.NewVersion == nil || done.NewVersion.VersionID != 2 {
		t.Errorf("forced retrain = %+v, want version 2", done)
	}
	if done.ConsumedFeedback != 1 {
		t.Errorf("consumed_feedback = %d, want 1", done.ConsumedFeedback)
	}
}

func TestGetVersion(t *testing.T) {
	a := setupApp(t, 10)
	a.upload(t)

	cases := map[string]int{
		"/model/versions/1":   http.StatusOK,
		"/model/versions/99":  http.StatusNotFound,
		"/model/versions/abc": http.StatusBadRequest,
	}
	for path, want := range cases {
		rr := a.serve(authReq(http.MethodGet, path, "", testToken))
		if rr.Code != want {
			t.Errorf("%s: status = %d, want %d", path, rr.Code, want)
		}
	}
}

func TestModelStatusAndReconcile(t *testing.T) {
	a := setupApp(t, 7)
	a.upload(t)

	rr := a.serve(authReq(http.MethodGet, "/model/status", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var st statusResponse
	decode(t, rr, &st)
	if st.Status.State != retrain.StateIdle || st.Status.Threshold != 7 {
		t.Errorf("status = %+v, want IDLE with threshold 7", st.Status)
	}
	if st.ActiveVersion == nil || st.ActiveVersion.VersionID != 1 {
		t.Errorf("active_version = %+v, want 1", st.ActiveVersion)
	}

	rr = a.serve(authReq(http.MethodPost, "/model/reconcile", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("reconcile status = %d", rr.Code)
	}
	var rec struct {
		Reconciled int `json:"reconciled"`
	}
	decode(t, rr, &rec)
	if rec.Reconciled != 0 {
		t.Errorf("reconciled = %d, want 0", rec.Reconciled)
	}
}

func TestRateLimit(t *testing.T) {
	h := NewAppHandler(AppDeps{Token: testToken, RateLimit: 1, RateBurst: 1})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", rr.Code)
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestStatusFor(t *testing.T) {
	partial := &domain.PartialRetrainError{VersionID: 2, FeedbackIDs: []string{"f1"}, Err: domain.ErrNotFound}
	cases := []struct {
		err  error
		want int
	}{
		{domain.Invalid("name1", "is required"), http.StatusBadRequest},
		{fmt.Errorf("prediction x: %w", domain.ErrNotFound), http.StatusNotFound},
		{partial, http.StatusConflict},
		{domain.ErrNoModelTrained, http.StatusUnprocessableEntity},
		{domain.ErrNoData, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w after 2m", domain.ErrRetrainTimeout), http.StatusGatewayTimeout},
		{&domain.StorageError{Op: "insert", Err: errors.New("disk I/O error")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestPartialRetrainBodyNamesFeedback(t *testing.T) {
	rr := httptest.NewRecorder()
	respondError(rr, zap.NewNop(), &domain.PartialRetrainError{VersionID: 3, FeedbackIDs: []string{"a", "b"}, Err: errors.New("locked")})

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	var body errorBody
	decode(t, rr, &body)
	if body.VersionID != 3 || len(body.FeedbackIDs) != 2 {
		t.Errorf("body = %+v, want version 3 and two feedback ids", body)
	}
}

func TestDailyAnalytics(t *testing.T) {
	a := setupApp(t, 10)
	a.upload(t)
	a.testPrediction(t, "ABC LTD", "ABC Ltd")
	a.testPrediction(t, "XYZ Corp", "Acme Inc")

	rr := a.serve(authReq(http.MethodGet, "/analytics/daily?days=7", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Success bool                `json:"success"`
		Days    int                 `json:"days"`
		Data    []domain.DailyStats `json:"data"`
	}
	decode(t, rr, &resp)
	if !resp.Success || resp.Days != 7 {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("data = %+v, want one day", resp.Data)
	}
	today := resp.Data[0]
	if today.Date != time.Now().UTC().Format("2006-01-02") {
		t.Errorf("date = %q, want today", today.Date)
	}
	if today.Total != 2 || today.MaterialCount+today.ImmaterialCount != 2 {
		t.Errorf("today = %+v, want 2 predictions", today)
	}
	if today.AvgConfidence < 0.5 || today.AvgConfidence > 1 {
		t.Errorf("avg confidence = %v, want within [0.5, 1]", today.AvgConfidence)
	}

	for _, q := range []string{"days=0", "days=abc", "days=400"} {
		rr := a.serve(authReq(http.MethodGet, "/analytics/daily?"+q, "", testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rr.Code)
		}
	}
}
