// Package textextract turns uploaded CV bytes into text for skill
// extraction. Only plain-text formats are read; binary documents are
// reported as unsupported and the caller degrades to an empty text.
package textextract

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// MaxBytes bounds the input accepted by Extract.
const MaxBytes = 10 << 20

var (
	ErrUnsupportedType = errors.New("unsupported document type")
	ErrTooLarge        = errors.New("document exceeds size limit")
)

// Extractor converts document bytes to text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Plain reads text/* documents. Input that is not valid UTF-8 is decoded as
// ISO-8859-1.
type Plain struct {
	MaxBytes int
}

// NewPlain returns an extractor bounded at MaxBytes.
func NewPlain() *Plain {
	return &Plain{MaxBytes: MaxBytes}
}

func (p *Plain) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	limit := p.MaxBytes
	if limit <= 0 {
		limit = MaxBytes
	}
	if len(data) > limit {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), limit)
	}

	mt := mediaType(mimeType, data)
	if !strings.HasPrefix(mt, "text/") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mt)
	}

	text := string(data)
	if !utf8.Valid(data) {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return "", fmt.Errorf("decode latin-1: %w", err)
		}
		text = string(decoded)
	}
	return clean(text), nil
}

// mediaType prefers the declared type and sniffs the content otherwise.
func mediaType(declared string, data []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			return strings.ToLower(mt)
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

// clean replaces control characters other than line breaks and tabs.
func clean(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return r
		case r == '\uFEFF':
			return -1
		case unicode.IsControl(r):
			return ' '
		default:
			return r
		}
	}, s)
}
