package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pithecene-io/veil/log"
	"github.com/pithecene-io/veil/types"
)

func testLogger() *log.Logger { return log.NewLogger("error", log.FormatText) }

func TestSelect(t *testing.T) {
	cases := []struct {
		fileType, mimeType, want string
	}{
		{"txt", "text/plain", MethodDirect},
		{"csv", "text/csv", MethodDirect},
		{"pdf", "application/pdf", MethodPDF},
		{"docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document", MethodDocument},
		{"png", "image/png", MethodOCR},
		{"jpeg", "image/jpeg", MethodOCR},
		{"bin", "text/x-custom", MethodDirect},
		{"bin", "application/json", MethodDirect},
		{"bin", "application/octet-stream", MethodDocument},
	}
	for _, c := range cases {
		if got := Select(c.fileType, c.mimeType); got != c.want {
			t.Errorf("Select(%q, %q) = %q, want %q", c.fileType, c.mimeType, got, c.want)
		}
	}
}

func TestPostProcess_Normalization(t *testing.T) {
	et := &types.ExtractedText{Text: "a\r\nb\rc\x00d\te   f\n\n\n\ng"}
	postProcess(et, 0)

	want := "a\nb\ncd e f\n\ng"
	if et.Text != want {
		t.Errorf("got %q, want %q", et.Text, want)
	}
}

func TestPostProcess_Truncation(t *testing.T) {
	et := &types.ExtractedText{Text: strings.Repeat("x", 100)}
	postProcess(et, 10)

	if !strings.HasSuffix(et.Text, "[TRUNCATED]") {
		t.Errorf("missing marker: %q", et.Text)
	}
	if et.Metadata[MetaTruncated] != "true" || et.Metadata[MetaOriginalLength] != "100" {
		t.Errorf("truncation metadata wrong: %v", et.Metadata)
	}
}

func TestDirect_UTF8(t *testing.T) {
	et, err := Direct{}.Extract(t.Context(), Input{Data: []byte("plain text")})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if et.Encoding != "utf-8" || et.Confidence != 1.0 {
		t.Errorf("unexpected result: %+v", et)
	}
}

func TestDirect_Latin1Fallback(t *testing.T) {
	// 0xE9 is é in Latin-1 and invalid standalone UTF-8.
	et, err := Direct{}.Extract(t.Context(), Input{Data: []byte{'c', 'a', 'f', 0xE9}})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if et.Text != "café" {
		t.Errorf("expected café, got %q", et.Text)
	}
	if et.Encoding != "latin-1" || et.Confidence != 0.8 {
		t.Errorf("unexpected result: %+v", et)
	}
	if et.Metadata[MetaFallbackEncoding] != "true" {
		t.Errorf("fallback not recorded: %v", et.Metadata)
	}
}

func TestDocumentClient_Extract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/extract":
			if r.Method != http.MethodPut {
				t.Errorf("expected PUT, got %s", r.Method)
			}
			if ct := r.Header.Get("Content-Type"); ct != "application/msword" {
				t.Errorf("mime hint lost: %q", ct)
			}
			fmt.Fprint(w, "extracted body")
		case "/meta":
			_ = json.NewEncoder(w).Encode(map[string]any{"author": "alice", "pages": 2})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewDocumentClient(srv.URL, testLogger())
	et, err := c.Extract(t.Context(), Input{FileName: "a.doc", MimeType: "application/msword", Data: []byte("raw")})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if et.Text != "extracted body" || et.Confidence != 0.9 || et.Method != MethodDocument {
		t.Errorf("unexpected result: %+v", et)
	}
	if et.Metadata["author"] != "alice" || et.Metadata["pages"] != "2" {
		t.Errorf("metadata not merged: %v", et.Metadata)
	}
}

func TestDocumentClient_ServerErrorIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewDocumentClient(srv.URL, testLogger())
	_, err := c.Extract(t.Context(), Input{Data: []byte("raw")})
	if types.KindOf(err) != types.KindExtractionUnavailable {
		t.Fatalf("expected extraction_unavailable, got %v", err)
	}
	if !types.IsRetriable(err) {
		t.Error("extraction_unavailable must be retriable")
	}
}

func ocrServer(t *testing.T, stdout, stderr string, exitCode int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("multipart: %v", err)
		}
		var opts map[string][]string
		if err := json.Unmarshal([]byte(r.FormValue("options")), &opts); err != nil {
			t.Errorf("options part: %v", err)
		}
		if len(opts["languages"]) != 1 || opts["languages"][0] != "eng" {
			t.Errorf("language hint lost: %v", opts)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("file part: %v", err)
		} else {
			_, _ = io.Copy(io.Discard, file)
			_ = file.Close()
		}
		resp := ocrResponse{}
		resp.Data.Exit.Code = exitCode
		resp.Data.Stdout = stdout
		resp.Data.Stderr = stderr
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestOCRClient_Extract(t *testing.T) {
	srv := ocrServer(t, "Invoice 2024 total due for Alice Smith at a@x.com covering twelve separate line items", "", 0)
	defer srv.Close()

	c := NewOCRClient(srv.URL, "", testLogger())
	et, err := c.Extract(t.Context(), Input{FileName: "scan.png", FileType: "png", Data: []byte{1}})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if et.Method != MethodOCR {
		t.Errorf("unexpected method %q", et.Method)
	}
	if et.Confidence < ocrMinConfidence || et.Confidence > ocrMaxConfidence {
		t.Errorf("confidence %v outside clamp", et.Confidence)
	}
	if _, warned := et.Metadata[MetaQualityWarnings]; warned {
		t.Errorf("unexpected warning: %v", et.Metadata)
	}
}

func TestOCRClient_LowConfidenceWarning(t *testing.T) {
	// Few words and heavy warnings push the estimate below the floor.
	stderr := strings.Repeat("Warning: bad quality\n", 5)
	srv := ocrServer(t, "a b", stderr, 0)
	defer srv.Close()

	c := NewOCRClient(srv.URL, "", testLogger())
	et, err := c.Extract(t.Context(), Input{FileName: "blurry.png", FileType: "png", Data: []byte{1}})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if et.Confidence != ocrMinConfidence {
		t.Errorf("expected clamp to %v, got %v", ocrMinConfidence, et.Confidence)
	}
	if et.Metadata[MetaQualityWarnings] != LowConfidenceWarning {
		t.Errorf("expected low-confidence warning, got %v", et.Metadata)
	}
}

func TestOCRClient_NonZeroExit(t *testing.T) {
	srv := ocrServer(t, "", "tesseract: cannot read image", 1)
	defer srv.Close()

	c := NewOCRClient(srv.URL, "", testLogger())
	_, err := c.Extract(t.Context(), Input{FileName: "x.png", FileType: "png", Data: []byte{1}})
	if types.KindOf(err) != types.KindExtractionUnavailable {
		t.Fatalf("expected extraction_unavailable, got %v", err)
	}
}

func TestOCRClient_RejectsUnsupportedFormat(t *testing.T) {
	c := NewOCRClient("http://unused", "", testLogger())
	if _, err := c.Extract(t.Context(), Input{FileType: "exe"}); err == nil {
		t.Fatal("expected format rejection")
	}
}

// stubStrategy returns a fixed result or error.
type stubStrategy struct {
	name string
	et   *types.ExtractedText
	err  error
}

func (s stubStrategy) Name() string { return s.name }
func (s stubStrategy) Extract(context.Context, Input) (*types.ExtractedText, error) {
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.et
	return &cp, nil
}

func TestRouter_OCRFallsBackToDocument(t *testing.T) {
	r := NewRouter(RouterOptions{
		Document: stubStrategy{name: MethodDocument, et: &types.ExtractedText{Text: "from document", Method: MethodDocument, Confidence: 0.9}},
		OCR:      stubStrategy{name: MethodOCR, err: types.NewStageError(types.KindExtractionUnavailable, "down")},
		Logger:   testLogger(),
	})

	et, err := r.Extract(t.Context(), Input{FileName: "a.png", FileType: "png", MimeType: "image/png"})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if et.Text != "from document" {
		t.Errorf("fallback not taken: %+v", et)
	}
}

func TestRouter_PDFFallbackMethod(t *testing.T) {
	r := NewRouter(RouterOptions{
		Document: stubStrategy{name: MethodDocument, et: &types.ExtractedText{Text: "pdf via document", Method: MethodDocument, Confidence: 0.9}},
		OCR:      stubStrategy{name: MethodOCR, err: fmt.Errorf("unused")},
		Logger:   testLogger(),
	})

	// Garbage bytes fail the embedded parser.
	et, err := r.Extract(t.Context(), Input{FileName: "broken.pdf", FileType: "pdf", MimeType: "application/pdf", Data: []byte("not a pdf")})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if et.Method != MethodPDFFallback {
		t.Errorf("expected %s, got %s", MethodPDFFallback, et.Method)
	}
}

func TestRouter_TotalFailureShape(t *testing.T) {
	r := NewRouter(RouterOptions{
		Document: stubStrategy{name: MethodDocument, err: types.NewStageError(types.KindExtractionUnavailable, "down")},
		OCR:      stubStrategy{name: MethodOCR, err: types.NewStageError(types.KindExtractionUnavailable, "down")},
		Logger:   testLogger(),
	})

	et, err := r.Extract(t.Context(), Input{FileName: "a.docx", FileType: "docx"})
	if err == nil {
		t.Fatal("expected error")
	}
	if et == nil || et.Method != MethodFailed || et.Text != "" || et.Confidence != 0 {
		t.Fatalf("failed shape wrong: %+v", et)
	}
	if et.Metadata[MetaError] == "" || et.Metadata[MetaTimestamp] == "" {
		t.Errorf("failure metadata missing: %v", et.Metadata)
	}
}

func TestRouter_HybridPrefersLongerOutput(t *testing.T) {
	r := NewRouter(RouterOptions{
		Document: stubStrategy{name: MethodDocument, et: &types.ExtractedText{Text: "short", Method: MethodDocument, Confidence: 0.9}},
		OCR:      stubStrategy{name: MethodOCR, et: &types.ExtractedText{Text: "a much longer recognized body", Method: MethodOCR, Confidence: 0.7}},
		Logger:   testLogger(),
	})

	et, err := r.ExtractWithStrategy(t.Context(), Input{FileName: "a.png", FileType: "png"}, MethodHybrid)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if et.Method != MethodHybrid {
		t.Errorf("expected hybrid method, got %s", et.Method)
	}
	if !strings.HasPrefix(et.Text, "a much longer") {
		t.Errorf("expected the longer output, got %q", et.Text)
	}
}

func TestRouter_HybridTieBreaksOnConfidence(t *testing.T) {
	r := NewRouter(RouterOptions{
		Document: stubStrategy{name: MethodDocument, et: &types.ExtractedText{Text: "equal", Method: MethodDocument, Confidence: 0.9}},
		OCR:      stubStrategy{name: MethodOCR, et: &types.ExtractedText{Text: "equal", Method: MethodOCR, Confidence: 0.95, Encoding: "utf-8"}},
		Logger:   testLogger(),
	})

	et, err := r.ExtractWithStrategy(t.Context(), Input{FileType: "png"}, MethodHybrid)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if et.Encoding != "utf-8" {
		t.Error("tie must break toward higher confidence")
	}
}
