package core

import (
	"fmt"
	"strings"

	"gwi.com/search-assistant/internal/utils"
)

// MaxExcerptLength bounds how much of each document goes into the prompt.
const MaxExcerptLength = 2000

// Document is a scraped source numbered for citation. ID is 1-based and is
// the number the model must use in [n] markers.
type Document struct {
	ID      int
	Title   string
	URL     string
	Content string
}

const systemPrompt = "You are a careful research assistant. " +
	"Given a question and a set of web excerpts with numbered sources, write a concise, factual answer in Markdown. " +
	"Cite sources inline with bracketed numbers such as [1], [2], [3], using the numbers of the excerpts below. " +
	"Back every major point with a citation, and cite several sources for important claims when the evidence allows, e.g. [1][2]. " +
	"Do not speculate. If sources disagree, say so briefly and cite each side. " +
	"Do not end with a list of sources or a sources mapping section; the sources are shown separately."

func BuildSystemPrompt() string {
	return systemPrompt
}

// BuildUserPrompt embeds the question and the numbered excerpts, in ID order.
func BuildUserPrompt(question string, docs []Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nSources:\n", question)
	if len(docs) == 0 {
		b.WriteString("(no sources could be retrieved; say so if you cannot answer reliably)\n")
	}
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "\n[%d] %s\nURL: %s\nExcerpt: %s\n", d.ID, d.Title, d.URL, utils.Truncate(d.Content, MaxExcerptLength))
	}
	b.WriteString("\nWrite the answer now.")
	return b.String()
}
