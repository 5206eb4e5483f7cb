package prompts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/normanking/cortex-orchestrator/internal/logging"
)

// ReferenceType names what a compressed reference points at.
type ReferenceType string

const (
	RefWebPage     ReferenceType = "web_page"
	RefFile        ReferenceType = "file"
	RefQueryResult ReferenceType = "query_result"
	RefGeneric     ReferenceType = "generic"
)

// Defaults for the inline policy.
const (
	DefaultInlineLimit   = 2000
	DefaultPreviewLength = 200
)

var (
	ErrNotRecoverable = errors.New("not recoverable")
	ErrNoRecoveryFunc = errors.New("no recovery function")
)

// Source is the content to compress together with where it came from.
type Source struct {
	URL     string
	Path    string
	Query   string
	Content string
}

// CompressedReference stands in for content that was too large to inline.
// Only the identifying field for its type is kept.
type CompressedReference struct {
	Type         ReferenceType `json:"type"`
	URL          string        `json:"url,omitempty"`
	Path         string        `json:"path,omitempty"`
	Query        string        `json:"query,omitempty"`
	Preview      string        `json:"preview"`
	Recoverable  bool          `json:"recoverable"`
	OriginalSize int           `json:"original_size"`
	ContentHash  string        `json:"content_hash"`
	CreatedAt    time.Time     `json:"created_at"`
}

// RecoveryFunc fetches the full content behind a reference.
type RecoveryFunc func(ctx context.Context, ref CompressedReference) (string, error)

// Compressor applies the inline policy.
type Compressor struct {
	inlineLimit   int
	previewLength int
	now           func() time.Time
	log           zerolog.Logger
}

// NewCompressor creates a Compressor. Zero limits use the defaults.
func NewCompressor(inlineLimit, previewLength int, logger *logging.Logger) *Compressor {
	if inlineLimit <= 0 {
		inlineLimit = DefaultInlineLimit
	}
	if previewLength <= 0 {
		previewLength = DefaultPreviewLength
	}
	return &Compressor{
		inlineLimit:   inlineLimit,
		previewLength: previewLength,
		now:           time.Now,
		log:           logging.For(logger, "references"),
	}
}

// ShouldCompress reports whether content exceeds the inline limit.
func (c *Compressor) ShouldCompress(content string) bool {
	return len(content) > c.inlineLimit
}

// Compress builds a reference. Web pages keep the URL, files the path and
// query results the query. Generic or unknown types, or a missing
// identifying field, keep only the preview and cannot be recovered.
func (c *Compressor) Compress(typ ReferenceType, src Source) CompressedReference {
	sum := blake3.Sum256([]byte(src.Content))
	ref := CompressedReference{
		Type:         typ,
		Preview:      preview(src.Content, c.previewLength),
		OriginalSize: len(src.Content),
		ContentHash:  hex.EncodeToString(sum[:16]),
		CreatedAt:    c.now().UTC(),
	}

	switch typ {
	case RefWebPage:
		ref.URL = src.URL
		ref.Recoverable = src.URL != ""
	case RefFile:
		ref.Path = src.Path
		ref.Recoverable = src.Path != ""
	case RefQueryResult:
		ref.Query = src.Query
		ref.Recoverable = src.Query != ""
	}
	return ref
}

// Inline returns content unchanged when it fits the inline limit, and a
// rendered reference marker otherwise.
func (c *Compressor) Inline(typ ReferenceType, src Source) (string, *CompressedReference) {
	if !c.ShouldCompress(src.Content) {
		return src.Content, nil
	}
	ref := c.Compress(typ, src)
	c.log.Debug().
		Str("type", string(typ)).
		Int("size", ref.OriginalSize).
		Bool("recoverable", ref.Recoverable).
		Msg("content compressed to reference")
	return Render(ref), &ref
}

// Recover fetches the full content for ref with the function registered for
// its type. A hash mismatch is logged; the fresh content is still returned.
func (c *Compressor) Recover(ctx context.Context, ref CompressedReference, fns map[ReferenceType]RecoveryFunc) (string, error) {
	content, err := Recover(ctx, ref, fns)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256([]byte(content))
	if hex.EncodeToString(sum[:16]) != ref.ContentHash {
		c.log.Info().Str("type", string(ref.Type)).Msg("recovered content changed since compression")
	}
	return content, nil
}

// Recover fetches the full content for ref. Non-recoverable references are
// never passed to a recovery function.
func Recover(ctx context.Context, ref CompressedReference, fns map[ReferenceType]RecoveryFunc) (string, error) {
	if !ref.Recoverable {
		return "", fmt.Errorf("%s reference: %w", ref.Type, ErrNotRecoverable)
	}
	fn, ok := fns[ref.Type]
	if !ok || fn == nil {
		return "", fmt.Errorf("%s reference: %w", ref.Type, ErrNoRecoveryFunc)
	}
	content, err := fn(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("recover %s reference: %w", ref.Type, err)
	}
	return content, nil
}

// Render formats a reference as an inline marker for a prompt.
func Render(ref CompressedReference) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(ref.Type))
	switch {
	case ref.URL != "":
		b.WriteString(" " + ref.URL)
	case ref.Path != "":
		b.WriteString(" " + ref.Path)
	case ref.Query != "":
		b.WriteString(" " + fmt.Sprintf("%q", ref.Query))
	}
	fmt.Fprintf(&b, " (%d bytes", ref.OriginalSize)
	if !ref.Recoverable {
		b.WriteString(", preview only")
	}
	b.WriteString(")]\n")
	b.WriteString(ref.Preview)
	return b.String()
}

// preview collapses whitespace and cuts at n runes.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
