package extract

import (
	"context"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/pithecene-io/veil/types"
)

// Direct reads plain-text files. Valid UTF-8 passes through at full
// confidence; anything else is re-read as Latin-1, which always succeeds, at
// degraded confidence with the fallback recorded.
type Direct struct{}

func (Direct) Name() string { return MethodDirect }

func (Direct) Extract(ctx context.Context, in Input) (*types.ExtractedText, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if utf8.Valid(in.Data) {
		return &types.ExtractedText{
			Text:       string(in.Data),
			Encoding:   "utf-8",
			Method:     MethodDirect,
			Confidence: 1.0,
		}, nil
	}

	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(in.Data)
	if err != nil {
		return nil, types.WrapStageError(types.KindExtractionEncoding, err,
			"decode %s as latin-1", in.FileName)
	}
	et := &types.ExtractedText{
		Text:       string(decoded),
		Encoding:   "latin-1",
		Method:     MethodDirect,
		Confidence: 0.8,
	}
	et.MetaSet(MetaFallbackEncoding, "true")
	return et, nil
}

var _ Strategy = Direct{}
