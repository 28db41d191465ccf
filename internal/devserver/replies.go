package devserver

import (
	"strings"
	"sync"

	loremgen "github.com/bozaro/golorem"
)

// ReplyGenerator produces the mock assistant replies
type ReplyGenerator interface {
	Reply(words int) string
}

// LoremReplies generates lorem ipsum replies.
// Used for development without requiring a model provider.
type LoremReplies struct {
	mu        sync.Mutex
	generator *loremgen.Lorem
}

// NewLoremReplies creates a new lorem ipsum reply generator
func NewLoremReplies() *LoremReplies {
	return &LoremReplies{
		generator: loremgen.New(),
	}
}

// Reply generates lorem ipsum text with approximately words words
func (p *LoremReplies) Reply(words int) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var sb strings.Builder
	wordCount := 0
	for wordCount < words {
		// Sentence with 5-15 words
		sentence := p.generator.Sentence(5, 15)
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(sentence)
		wordCount += len(strings.Fields(sentence))
	}
	return sb.String()
}

// FixedReplies always answers with the same text. Useful in tests.
type FixedReplies string

// Reply returns the fixed text
func (f FixedReplies) Reply(int) string {
	return string(f)
}

// splitWords breaks text into stream chunks, keeping the separating spaces
// so that the chunks concatenate back to text
func splitWords(text string) []string {
	var chunks []string
	for len(text) > 0 {
		i := strings.IndexByte(text, ' ')
		if i < 0 {
			chunks = append(chunks, text)
			break
		}
		chunks = append(chunks, text[:i+1])
		text = text[i+1:]
	}
	return chunks
}
