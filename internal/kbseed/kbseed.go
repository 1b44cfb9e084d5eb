// Package kbseed ingests local text and markdown documents into the doc
// index so search has corpus content before the first report exists.
//
// Files are sniffed with mimetype, chunked to a token budget, embedded in
// batches, and written with ids derived from their relative path, so
// re-running the seeder replaces entries instead of duplicating them.
package kbseed

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/fairyhunter13/deep-research/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/deep-research/internal/domain"
	"github.com/fairyhunter13/deep-research/pkg/textx"
)

const embedBatch = 16

// Options configure one seeding run.
type Options struct {
	// Dir is the root to walk. Non-text files are skipped, not failed.
	Dir string
	// TokenModel names the tokenizer used for chunk budgets and the stored
	// token counts.
	TokenModel string
	// ChunkTokens caps each indexed chunk.
	ChunkTokens int
}

func (o Options) withDefaults() Options {
	if o.TokenModel == "" {
		o.TokenModel = "text-embedding-3-small"
	}
	if o.ChunkTokens <= 0 {
		o.ChunkTokens = 480
	}
	return o
}

// Summary reports what a run ingested.
type Summary struct {
	Files   int
	Chunks  int
	Skipped int
}

type pendingChunk struct {
	id      string
	source  string
	title   string
	content string
	tokens  int
}

// SeedDir walks dir and indexes every text or markdown document it finds.
func SeedDir(ctx domain.Context, docs domain.DocIndexRepository, gateway domain.AIGateway, opts Options) (Summary, error) {
	opts = opts.withDefaults()
	var sum Summary
	var pending []pendingChunk

	err := filepath.WalkDir(opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(opts.Dir, path)
		if err != nil {
			rel = path
		}
		ok, err := isTextDocument(path)
		if err != nil {
			return fmt.Errorf("op=kbseed.sniff %s: %w", rel, err)
		}
		if !ok {
			slog.Debug("seed file skipped", slog.String("file", rel))
			sum.Skipped++
			return nil
		}
		chunks, err := fileChunks(path, rel, opts)
		if err != nil {
			return err
		}
		if len(chunks) == 0 {
			sum.Skipped++
			return nil
		}
		sum.Files++
		pending = append(pending, chunks...)
		return nil
	})
	if err != nil {
		return sum, err
	}
	if len(pending) == 0 {
		return sum, nil
	}

	for i := 0; i < len(pending); i += embedBatch {
		end := i + embedBatch
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[i:end]
		texts := make([]string, len(batch))
		for j, c := range batch {
			texts[j] = c.content
		}
		vecs, err := gateway.Embed(ctx, texts)
		if err != nil {
			return sum, fmt.Errorf("op=kbseed.embed: %w", err)
		}
		if len(vecs) != len(batch) {
			return sum, fmt.Errorf("op=kbseed.embed: got %d vectors for %d chunks: %w", len(vecs), len(batch), domain.ErrInternal)
		}
		for j, c := range batch {
			_, err := docs.Add(ctx, domain.DocEntry{
				ID:         c.id,
				SourceType: domain.DocSourceDoc,
				SourceID:   c.source,
				Title:      c.title,
				Content:    c.content,
				Embedding:  vecs[j],
				Tokens:     c.tokens,
			})
			if err != nil {
				return sum, fmt.Errorf("op=kbseed.index %s: %w", c.title, err)
			}
			sum.Chunks++
		}
	}
	return sum, nil
}

// seedID derives a stable uuid from the document path and chunk ordinal.
func seedID(rel string, chunk int) string {
	name := "kb://" + filepath.ToSlash(rel) + "#" + strconv.Itoa(chunk)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// isTextDocument accepts files whose sniffed type descends from text/plain.
// Markdown has no dedicated signature, so the extension alone does not
// decide; a .md full of compressed bytes is still rejected.
func isTextDocument(path string) (bool, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt", ".text":
	default:
		return false, nil
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return false, err
	}
	for ; mt != nil; mt = mt.Parent() {
		if mt.Is("text/plain") {
			return true, nil
		}
	}
	return false, nil
}

// fileChunks reads, titles, and chunks one document.
func fileChunks(path, rel string, opts Options) ([]pendingChunk, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=kbseed.read %s: %w", rel, err)
	}
	content := textx.SanitizeText(string(raw))
	if content == "" {
		return nil, nil
	}
	title := documentTitle(rel, content)
	parts := splitChunks(content, opts.TokenModel, opts.ChunkTokens)
	out := make([]pendingChunk, 0, len(parts))
	// One file keeps one source id across its chunks.
	source := uuid.NewSHA1(uuid.NameSpaceURL, []byte("kb://"+filepath.ToSlash(rel))).String()
	for i, p := range parts {
		t := title
		if len(parts) > 1 {
			t = fmt.Sprintf("%s (%d/%d)", title, i+1, len(parts))
		}
		out = append(out, pendingChunk{
			id:      seedID(rel, i),
			source:  source,
			title:   t,
			content: p,
			tokens:  tokencount.Count(p, opts.TokenModel),
		})
	}
	return out, nil
}

// documentTitle prefers the first markdown heading, then the file stem.
func documentTitle(rel, content string) string {
	first := textx.FirstLine(content)
	if strings.HasPrefix(first, "#") {
		if h := strings.TrimSpace(strings.TrimLeft(first, "# ")); h != "" {
			return h
		}
	}
	base := filepath.Base(rel)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// splitChunks packs paragraphs into chunks of at most maxTokens tokens.
// A single paragraph over the budget is hard-split on token boundaries.
// Token counts are not additive across the separator, so the pack check
// counts the joined text.
func splitChunks(content, model string, maxTokens int) []string {
	paras := splitParagraphs(content)
	var chunks []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	for _, p := range paras {
		if tokencount.Count(p, model) > maxTokens {
			flush()
			chunks = append(chunks, splitLongParagraph(p, model, maxTokens)...)
			continue
		}
		if cur.Len() > 0 && tokencount.Count(cur.String()+"\n\n"+p, model) > maxTokens {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	flush()
	return chunks
}

func splitParagraphs(content string) []string {
	blocks := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// splitLongParagraph cuts p into token-budget pieces. Trim decodes a token
// prefix, which is a byte prefix of p, so slicing by its length is safe; a
// cut can still land inside a rune, so pieces are repaired to valid UTF-8.
func splitLongParagraph(p, model string, maxTokens int) []string {
	var parts []string
	for p != "" && tokencount.Count(p, model) > maxTokens {
		head := tokencount.Trim(p, model, maxTokens)
		if head == "" || len(head) >= len(p) {
			break
		}
		parts = append(parts, strings.ToValidUTF8(strings.TrimSpace(head), ""))
		p = strings.TrimSpace(strings.ToValidUTF8(p[len(head):], ""))
	}
	if p != "" {
		parts = append(parts, p)
	}
	return parts
}
