package chunking

import (
	"strings"
	"unicode"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
)

type Strategy string

const (
	StrategySemantic  Strategy = "semantic"
	StrategyParagraph Strategy = "paragraph"
	StrategyFixed     Strategy = "fixed"
)

type Config struct {
	ChunkSize       int
	ChunkOverlap    int
	Strategy        Strategy
	PreserveContext bool
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:       1000,
		ChunkOverlap:    200,
		Strategy:        StrategySemantic,
		PreserveContext: true,
	}
}

func (c Config) normalize() Config {
	out := c
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultConfig().ChunkSize
	}
	if out.ChunkOverlap < 0 {
		out.ChunkOverlap = 0
	}
	if out.ChunkOverlap >= out.ChunkSize/2 {
		out.ChunkOverlap = out.ChunkSize / 4
	}
	switch out.Strategy {
	case StrategySemantic, StrategyParagraph, StrategyFixed:
	default:
		out.Strategy = StrategySemantic
	}
	return out
}

// Chunker splits long-form record text. Sizes and offsets are counted in
// characters of the CRLF-normalized, trimmed input.
type Chunker struct {
	cfg Config
}

func New(cfg Config) *Chunker {
	return &Chunker{cfg: cfg.normalize()}
}

func (c *Chunker) Config() Config {
	return c.cfg
}

type span struct {
	start int
	end   int
}

func (s span) len() int {
	return s.end - s.start
}

type piece struct {
	span
	section domain.SectionKind
	prefix  string
}

func (c *Chunker) Chunk(documentID, text string) []domain.Chunk {
	runes := []rune(strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n")))
	if len(runes) == 0 {
		return nil
	}

	var pieces []piece
	switch {
	case len(runes) <= c.cfg.ChunkSize:
		pieces = []piece{{span: span{0, len(runes)}, section: domain.SectionFull}}
	case c.cfg.Strategy == StrategyFixed:
		pieces = c.fixed(runes)
	case c.cfg.Strategy == StrategyParagraph:
		pieces = c.paragraphs(runes)
	default:
		pieces = c.semantic(runes)
	}

	out := make([]domain.Chunk, 0, len(pieces))
	for _, p := range pieces {
		content := string(runes[p.start:p.end])
		if p.prefix != "" {
			content = p.prefix + "\n" + content
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		out = append(out, domain.Chunk{
			DocumentID: documentID,
			ChunkIndex: len(out),
			Content:    content,
			Section:    p.section,
			TokenCount: domain.EstimateTokens(content),
			StartChar:  p.start,
			EndChar:    p.end,
		})
	}
	return out
}

func (c *Chunker) semantic(r []rune) []piece {
	units := make([]piece, 0)
	for _, para := range paragraphSpans(r) {
		if para.len() <= c.cfg.ChunkSize {
			units = append(units, piece{span: para, section: domain.SectionParagraph})
			continue
		}
		for _, s := range sentenceSpans(r, para) {
			units = append(units, piece{span: s, section: domain.SectionSentences})
		}
	}

	pieces := c.pack(units)
	if !c.cfg.PreserveContext {
		return pieces
	}
	for i := 1; i < len(pieces); i++ {
		sentences := sentenceSpans(r, pieces[i-1].span)
		if len(sentences) == 0 {
			continue
		}
		last := sentences[len(sentences)-1]
		if last.len()+1+pieces[i].len() <= c.cfg.ChunkSize {
			pieces[i].prefix = string(r[last.start:last.end])
		}
	}
	return pieces
}

func (c *Chunker) paragraphs(r []rune) []piece {
	out := make([]piece, 0)
	for _, para := range paragraphSpans(r) {
		if para.len() <= c.cfg.ChunkSize {
			out = append(out, piece{span: para, section: domain.SectionParagraph})
			continue
		}
		units := make([]piece, 0)
		for _, s := range sentenceSpans(r, para) {
			units = append(units, piece{span: s, section: domain.SectionSentences})
		}
		out = append(out, c.pack(units)...)
	}
	return out
}

// pack accumulates adjacent units while the covered range fits ChunkSize.
// A single unit larger than ChunkSize is emitted on its own.
func (c *Chunker) pack(units []piece) []piece {
	out := make([]piece, 0, len(units))
	var cur piece
	has := false
	for _, u := range units {
		if has && u.end-cur.start <= c.cfg.ChunkSize {
			cur.end = u.end
			continue
		}
		if has {
			out = append(out, cur)
		}
		cur = u
		has = true
	}
	if has {
		out = append(out, cur)
	}
	return out
}

func (c *Chunker) fixed(r []rune) []piece {
	size := c.cfg.ChunkSize
	lookback := size / 5
	if lookback > 200 {
		lookback = 200
	}

	out := make([]piece, 0, len(r)/size+1)
	start := 0
	for start < len(r) {
		end := start + size
		if end > len(r) {
			end = len(r)
		}
		if end < len(r) {
			for i := end - 1; i >= end-lookback && i > start; i-- {
				if isBoundary(r, i) {
					end = i + 1
					break
				}
			}
		}

		trimmed := trimSpan(r, span{start, end})
		if trimmed.len() > 0 {
			out = append(out, piece{span: trimmed, section: domain.SectionWindow})
		}
		if end == len(r) {
			break
		}

		next := end - c.cfg.ChunkOverlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

func isBoundary(r []rune, i int) bool {
	if r[i] == '\n' {
		return true
	}
	return isTerminal(r[i]) && i+1 < len(r) && unicode.IsSpace(r[i+1])
}

func isTerminal(ch rune) bool {
	return ch == '.' || ch == '!' || ch == '?'
}

// paragraphSpans splits on blank lines.
func paragraphSpans(r []rune) []span {
	out := make([]span, 0)
	start := 0
	i := 0
	for i < len(r) {
		if r[i] == '\n' {
			j := i + 1
			for j < len(r) && (r[j] == ' ' || r[j] == '\t') {
				j++
			}
			if j < len(r) && r[j] == '\n' {
				out = appendTrimmed(out, r, span{start, i})
				for j < len(r) && unicode.IsSpace(r[j]) {
					j++
				}
				start = j
				i = j
				continue
			}
		}
		i++
	}
	return appendTrimmed(out, r, span{start, len(r)})
}

func sentenceSpans(r []rune, within span) []span {
	out := make([]span, 0)
	start := within.start
	for i := within.start; i < within.end; i++ {
		switch {
		case r[i] == '\n':
			out = appendTrimmed(out, r, span{start, i})
			start = i + 1
		case isTerminal(r[i]) && (i+1 == within.end || unicode.IsSpace(r[i+1])):
			out = appendTrimmed(out, r, span{start, i + 1})
			start = i + 1
		}
	}
	return appendTrimmed(out, r, span{start, within.end})
}

func appendTrimmed(out []span, r []rune, s span) []span {
	s = trimSpan(r, s)
	if s.len() > 0 {
		out = append(out, s)
	}
	return out
}

func trimSpan(r []rune, s span) span {
	for s.start < s.end && unicode.IsSpace(r[s.start]) {
		s.start++
	}
	for s.end > s.start && unicode.IsSpace(r[s.end-1]) {
		s.end--
	}
	return s
}
