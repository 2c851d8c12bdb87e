package types

// ExtractedText is the transient per-job artifact produced by the
// text-extraction stage. Its lifetime ends when analysis completes.
type ExtractedText struct {
	// Text is the post-processed extracted text.
	Text string `msgpack:"text"`
	// Encoding is the detected source encoding, e.g. "utf-8", "latin-1".
	Encoding string `msgpack:"encoding"`
	// Method tags the strategy that produced the text: "direct", "pdf",
	// "document", "ocr", "hybrid", "pdf-fallback-document", or "failed".
	Method string `msgpack:"method"`
	// Confidence is the extraction quality estimate in [0, 1].
	Confidence float64 `msgpack:"confidence"`
	// Metadata carries strategy-specific detail (page counts, truncation,
	// quality warnings).
	Metadata map[string]string `msgpack:"metadata,omitempty"`
}

// MetaSet sets a metadata key, allocating the map if needed.
func (e *ExtractedText) MetaSet(key, value string) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
}
