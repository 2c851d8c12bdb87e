package detect

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pithecene-io/veil/log"
	"github.com/pithecene-io/veil/types"
)

func testLogger() *log.Logger { return log.NewLogger("error", log.FormatText) }

func detectorServer(t *testing.T, detections []Detection, capture *analyzeRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" || r.Method != http.MethodPost {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		_ = json.NewEncoder(w).Encode(detections)
	}))
}

func TestAnalyze_OrdersAndDefaults(t *testing.T) {
	var got analyzeRequest
	srv := detectorServer(t, []Detection{
		{EntityType: "PHONE_NUMBER", Start: 14, End: 26, Score: 0.85},
		{EntityType: "EMAIL_ADDRESS", Start: 6, End: 13, Score: 0.95},
	}, &got)
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	detections, err := c.Analyze(t.Context(), Request{
		Text:          "Alice a@x.com 555-111-2222",
		CorrelationID: "job-1",
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if got.Language != "en" {
		t.Errorf("expected default language en, got %q", got.Language)
	}
	if got.ScoreThreshold != DefaultScoreThreshold {
		t.Errorf("expected default threshold, got %v", got.ScoreThreshold)
	}
	if got.CorrelationID != "job-1" {
		t.Errorf("correlation id lost: %q", got.CorrelationID)
	}

	if len(detections) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(detections))
	}
	if detections[0].EntityType != "EMAIL_ADDRESS" || detections[1].EntityType != "PHONE_NUMBER" {
		t.Errorf("not in (start,end) order: %+v", detections)
	}
}

func TestAnalyze_EffectiveThresholdIsMax(t *testing.T) {
	srv := detectorServer(t, []Detection{
		{EntityType: "PERSON", Start: 0, End: 5, Score: 0.55},
		{EntityType: "EMAIL_ADDRESS", Start: 6, End: 13, Score: 0.95},
	}, nil)
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	detections, err := c.Analyze(t.Context(), Request{
		Text:            "Alice a@x.com",
		PolicyThreshold: 0.8,
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(detections) != 1 || detections[0].EntityType != "EMAIL_ADDRESS" {
		t.Errorf("policy threshold not applied: %+v", detections)
	}
}

func TestAnalyze_KeepsOverlaps(t *testing.T) {
	srv := detectorServer(t, []Detection{
		{EntityType: "PERSON", Start: 0, End: 11, Score: 0.9},
		{EntityType: "EMAIL_ADDRESS", Start: 6, End: 11, Score: 0.9},
	}, nil)
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	detections, err := c.Analyze(t.Context(), Request{Text: "Alice a@x.c"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(detections) != 2 {
		t.Fatalf("overlaps must survive, got %d", len(detections))
	}
}

func TestAnalyze_OutageIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	_, err := c.Analyze(t.Context(), Request{Text: "x"})
	if types.KindOf(err) != types.KindDetectorUnavailable {
		t.Fatalf("expected detector_unavailable, got %v", err)
	}
	if !types.IsRetriable(err) {
		t.Error("detector_unavailable must be retriable")
	}
}

func TestAnalyze_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused

	c := NewClient(srv.URL, testLogger())
	_, err := c.Analyze(t.Context(), Request{Text: "x"})
	if types.KindOf(err) != types.KindDetectorUnavailable {
		t.Fatalf("expected detector_unavailable, got %v", err)
	}
}
