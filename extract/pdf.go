package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/ledongthuc/pdf"

	"github.com/pithecene-io/veil/types"
)

// PDF parses PDF binaries with an embedded parser. Parse failures are
// returned to the router, which falls through to the document extractor.
type PDF struct{}

func (PDF) Name() string { return MethodPDF }

func (PDF) Extract(ctx context.Context, in Input) (*types.ExtractedText, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(bytes.NewReader(in.Data), int64(len(in.Data)))
	if err != nil {
		return nil, fmt.Errorf("parse pdf %s: %w", in.FileName, err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("pdf text %s: %w", in.FileName, err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return nil, fmt.Errorf("pdf read %s: %w", in.FileName, err)
	}

	et := &types.ExtractedText{
		Text:       string(text),
		Encoding:   "utf-8",
		Method:     MethodPDF,
		Confidence: 0.95,
	}
	et.MetaSet(MetaPageCount, strconv.Itoa(reader.NumPage()))
	return et, nil
}

var _ Strategy = PDF{}
