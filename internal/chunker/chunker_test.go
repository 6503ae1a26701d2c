package chunker

import (
	"strings"
	"testing"
)

func TestEmptyInput(t *testing.T) {
	if chunks := Split("", 100); chunks != nil {
		t.Fatalf("expected no chunks for empty input, got %v", chunks)
	}
}

func TestShortInputSingleChunk(t *testing.T) {
	chunks := Split("Hello world.", 100)
	if len(chunks) != 1 || chunks[0] != "Hello world." {
		t.Fatalf("expected single chunk, got %v", chunks)
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := []string{
		"Hello world. This is a test! Does it work? Yes.",
		"今天天气不错。我们出去走走吧！你觉得怎么样？好的。",
		"no terminators here just a very long run of words separated by spaces repeated " + strings.Repeat("again ", 40),
		strings.Repeat("x", 515),
		"短句。" + strings.Repeat("很长的没有标点的内容", 30) + "，结尾。",
	}
	for _, input := range inputs {
		for _, maxLen := range []int{10, 37, 100} {
			chunks := Split(input, maxLen)
			var joined strings.Builder
			for _, c := range chunks {
				if c == "" {
					t.Fatalf("empty chunk for input %q maxLen %d", input, maxLen)
				}
				if n := len([]rune(c)); n > maxLen {
					t.Fatalf("chunk of %d runes exceeds maxLen %d: %q", n, maxLen, c)
				}
				joined.WriteString(c)
			}
			if joined.String() != input {
				t.Fatalf("round trip failed for maxLen %d:\n got %q\nwant %q", maxLen, joined.String(), input)
			}
		}
	}
}

func TestSentenceBoundaryPreferred(t *testing.T) {
	// Sentence terminators every ~150 runes; chunks of up to 300 must end
	// at the terminator nearest the limit, never mid-sentence.
	sentence := strings.Repeat("字", 149) + "。"
	input := strings.Repeat(sentence, 5) // 750 runes
	chunks := Split(input, 300)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if !strings.HasSuffix(c, "。") {
			t.Fatalf("chunk %d does not end at a sentence boundary: %q", i, c[len(c)-9:])
		}
	}
	if n := len([]rune(chunks[0])); n != 300 {
		t.Fatalf("expected first chunk to reach the terminator at the limit, got %d runes", n)
	}
}

func TestTerminatorExactlyAtBoundary(t *testing.T) {
	input := strings.Repeat("a", 99) + "." + strings.Repeat("b", 50)
	chunks := Split(input, 100)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %v", chunks)
	}
	if !strings.HasSuffix(chunks[0], ".") {
		t.Fatalf("terminator at the boundary must stay with the chunk it ends: %q", chunks[0])
	}
}

func TestClauseAndWhitespaceFallback(t *testing.T) {
	input := strings.Repeat("a", 40) + "，" + strings.Repeat("b", 40) + " " + strings.Repeat("c", 40)
	chunks := Split(input, 60)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %v", len(chunks), chunks)
	}
	if !strings.HasSuffix(chunks[0], "，") {
		t.Fatalf("expected clause pause split, got %q", chunks[0])
	}
	if !strings.HasSuffix(chunks[1], " ") {
		t.Fatalf("expected whitespace split, got %q", chunks[1])
	}
}

func TestHardCutWithoutSplitPoints(t *testing.T) {
	input := strings.Repeat("z", 250)
	chunks := Split(input, 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, want := range []int{100, 100, 50} {
		if got := len(chunks[i]); got != want {
			t.Fatalf("chunk %d: expected %d runes, got %d", i, want, got)
		}
	}
}
