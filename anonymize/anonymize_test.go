package anonymize

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/pithecene-io/veil/log"
	"github.com/pithecene-io/veil/policy"
	"github.com/pithecene-io/veil/types"
)

func testLogger() *log.Logger { return log.NewLogger("error", log.FormatText) }

func f(entityType string, start, end int, conf float64) types.Finding {
	return types.Finding{EntityType: entityType, Start: start, End: end, Confidence: conf}
}

func TestResolve_ContainedCollapses(t *testing.T) {
	out := Resolve([]types.Finding{
		f("PERSON", 0, 20, 0.7),
		f("EMAIL_ADDRESS", 5, 10, 0.95),
	})
	if len(out) != 1 {
		t.Fatalf("expected 1 range, got %+v", out)
	}
	if out[0].EntityType != "PERSON" || out[0].Start != 0 || out[0].End != 20 {
		t.Errorf("container must win: %+v", out[0])
	}
	if out[0].Confidence != 0.95 {
		t.Errorf("confidence must keep the max: %v", out[0].Confidence)
	}
}

func TestResolve_TouchingSameTypeMerge(t *testing.T) {
	out := Resolve([]types.Finding{
		f("PHONE_NUMBER", 0, 5, 0.8),
		f("PHONE_NUMBER", 5, 12, 0.9),
	})
	if len(out) != 1 {
		t.Fatalf("expected merge, got %+v", out)
	}
	if out[0].Start != 0 || out[0].End != 12 {
		t.Errorf("wrong merged range: %+v", out[0])
	}
}

func TestResolve_TouchingDifferentTypesStay(t *testing.T) {
	out := Resolve([]types.Finding{
		f("PERSON", 0, 5, 0.8),
		f("EMAIL_ADDRESS", 5, 12, 0.9),
	})
	if len(out) != 2 {
		t.Fatalf("different types must not merge on touch: %+v", out)
	}
}

func TestResolve_CrossingDifferentTypesPreferLonger(t *testing.T) {
	out := Resolve([]types.Finding{
		f("PERSON", 0, 6, 0.8),
		f("EMAIL_ADDRESS", 4, 15, 0.9),
	})
	if len(out) != 1 || out[0].EntityType != "EMAIL_ADDRESS" {
		t.Fatalf("longer range must win: %+v", out)
	}
}

func TestResolve_CrossingTiePrefersEarliestStart(t *testing.T) {
	out := Resolve([]types.Finding{
		f("PERSON", 0, 6, 0.8),
		f("EMAIL_ADDRESS", 3, 9, 0.9),
	})
	if len(out) != 1 || out[0].EntityType != "PERSON" {
		t.Fatalf("tie must keep the earlier start: %+v", out)
	}
}

func TestResolve_CrossingSameTypeMerges(t *testing.T) {
	out := Resolve([]types.Finding{
		f("PERSON", 0, 6, 0.8),
		f("PERSON", 4, 15, 0.9),
	})
	if len(out) != 1 || out[0].Start != 0 || out[0].End != 15 {
		t.Fatalf("crossing same type must merge: %+v", out)
	}
}

// The resolved set is always overlap-free and sorted, whatever the input.
func TestResolve_OutputIsOverlapFree(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	entityTypes := []string{"PERSON", "EMAIL_ADDRESS", "PHONE_NUMBER"}

	for trial := 0; trial < 200; trial++ {
		findings := make([]types.Finding, rng.Intn(12))
		for i := range findings {
			start := rng.Intn(80)
			findings[i] = f(entityTypes[rng.Intn(len(entityTypes))],
				start, start+1+rng.Intn(15), 0.5+rng.Float64()/2)
		}

		out := Resolve(findings)
		if !sort.SliceIsSorted(out, func(i, j int) bool { return out[i].Less(&out[j]) }) {
			t.Fatalf("trial %d: output not sorted: %+v", trial, out)
		}
		for i := 1; i < len(out); i++ {
			if out[i].Start < out[i-1].End {
				t.Fatalf("trial %d: overlap survived: %+v", trial, out)
			}
		}
	}
}

func TestAnonymize_RequestShape(t *testing.T) {
	var got anonymizeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/anonymize" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		// Apply the submitted operators the way the service would:
		// decreasing start keeps untouched offsets stable.
		text := got.Text
		for _, ar := range got.AnalyzerResults {
			op := got.Anonymizers[ar.EntityType]
			var sub string
			switch op.Type {
			case "mask":
				sub = strings.Repeat(op.MaskingChar, ar.End-ar.Start)
			case "redact":
				sub = "[REDACTED]"
			default:
				sub = op.NewValue
			}
			text = text[:ar.Start] + sub + text[ar.End:]
		}
		_ = json.NewEncoder(w).Encode(Result{Text: text})
	}))
	defer srv.Close()

	doc := `
detection:
  entities:
    - type: EMAIL_ADDRESS
      threshold: 0.5
      action: redact
    - type: PHONE_NUMBER
      threshold: 0.5
      action: mask
      mask_char: "*"
      mask_count: 12
`
	pol, err := policy.Parse("p-1", []byte(doc))
	if err != nil {
		t.Fatalf("policy: %v", err)
	}

	c := NewClient(srv.URL, testLogger())
	res, err := c.Anonymize(t.Context(), "Alice a@x.com 555-111-2222", []types.Finding{
		f("EMAIL_ADDRESS", 6, 13, 0.95),
		f("PHONE_NUMBER", 14, 26, 0.85),
	}, pol)
	if err != nil {
		t.Fatalf("anonymize: %v", err)
	}

	if got.ConflictResolution != conflictResolution {
		t.Errorf("conflict resolution lost: %q", got.ConflictResolution)
	}
	if _, ok := got.Anonymizers[defaultEntityKey]; !ok {
		t.Error("DEFAULT operator missing")
	}
	if len(got.AnalyzerResults) != 2 || got.AnalyzerResults[0].Start != 14 {
		t.Errorf("results must arrive in decreasing start order: %+v", got.AnalyzerResults)
	}
	if got.Anonymizers["PHONE_NUMBER"].MaskingChar != "*" {
		t.Errorf("mask params lost: %+v", got.Anonymizers["PHONE_NUMBER"])
	}

	if res.Text != "Alice [REDACTED] ************" {
		t.Errorf("unexpected output %q", res.Text)
	}
}

func TestAnonymize_OutageIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	_, err := c.Anonymize(t.Context(), "x", nil, policy.Default())
	if types.KindOf(err) != types.KindAnonymizerUnavailable {
		t.Fatalf("expected anonymizer_unavailable, got %v", err)
	}
	if !types.IsRetriable(err) {
		t.Error("anonymizer_unavailable must be retriable")
	}
}
