package mapreduce

import (
	"strings"
	"testing"
)

func TestSplit_GroupsParagraphsOnBlankLines(t *testing.T) {
	text := "First paragraph.\n\nSecond paragraph."
	chunks := Split(text, DefaultChunkConfig())
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk for small input, got %d", len(chunks))
	}
	if !strings.Contains(chunks[0].Text, "First paragraph.") || !strings.Contains(chunks[0].Text, "Second paragraph.") {
		t.Errorf("chunk missing expected content: %q", chunks[0].Text)
	}
}

func TestSplit_KeepsListBlockTogether(t *testing.T) {
	text := "Intro paragraph.\n\n- item one\n- item two\n- item three\n\nClosing paragraph."
	chunks := Split(text, DefaultChunkConfig())
	joined := chunks[0].Text
	if !strings.Contains(joined, "- item one\n- item two\n- item three") {
		t.Errorf("expected list block to stay together, got %q", joined)
	}
}

func TestSplit_HardSplitsOversizedParagraph(t *testing.T) {
	sentence := "This is a sentence. "
	var b strings.Builder
	for i := 0; i < 500; i++ {
		b.WriteString(sentence)
	}
	cfg := ChunkConfig{MaxChunkSize: 200, TargetChunkSize: 150, OverlapSize: 20, MaxChunks: 100}
	chunks := Split(b.String(), cfg)
	if len(chunks) < 2 {
		t.Fatalf("expected oversized paragraph to be split into multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c.Text) > cfg.MaxChunkSize+cfg.OverlapSize+20 {
			t.Errorf("chunk exceeds max size + overlap: len=%d", len(c.Text))
		}
	}
}

func TestSplit_RespectsMaxChunksAppendingRemainder(t *testing.T) {
	var paragraphs []string
	for i := 0; i < 50; i++ {
		paragraphs = append(paragraphs, strings.Repeat("word ", 1000))
	}
	text := strings.Join(paragraphs, "\n\n")

	cfg := ChunkConfig{MaxChunkSize: 8000, TargetChunkSize: 4000, OverlapSize: 100, MaxChunks: 5}
	chunks := Split(text, cfg)
	if len(chunks) != 5 {
		t.Fatalf("expected exactly MaxChunks=5 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has Index=%d", i, c.Index)
		}
	}
}

func TestSplit_CarriesOverlapIntoNextChunk(t *testing.T) {
	p1 := strings.Repeat("a", 5000)
	p2 := strings.Repeat("b", 5000)
	text := p1 + "\n\n" + p2
	cfg := ChunkConfig{MaxChunkSize: 8000, TargetChunkSize: 4000, OverlapSize: 300, MaxChunks: 30}

	chunks := Split(text, cfg)
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	if !strings.Contains(chunks[1].Text, strings.Repeat("a", 100)) {
		t.Errorf("expected second chunk to carry overlap from the first chunk's tail")
	}
}
