// ABOUTME: Renders a conversation's message history as an HTML transcript
// ABOUTME: Text is treated as Markdown and converted with goldmark

package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/2389/parley/internal/event"
)

// handleTranscript renders the prompt and reply events of a conversation as
// a single HTML page, oldest first.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}

	var md strings.Builder
	fmt.Fprintf(&md, "# Conversation %s\n\n", c.ID())

	pageID := ""
	for {
		page, err := c.SearchEvents(r.Context(), pageID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		for _, ev := range page.Results {
			switch d := ev.Detail.(type) {
			case event.PromptReceived:
				fmt.Fprintf(&md, "**user** · %s\n\n%s\n\n---\n\n",
					ev.CreatedAt.Format("2006-01-02 15:04:05"), d.Text)
			case event.TextReply:
				author := d.Author
				if author == "" {
					author = "agent"
				}
				fmt.Fprintf(&md, "**%s** · %s\n\n%s\n\n---\n\n",
					author, ev.CreatedAt.Format("2006-01-02 15:04:05"), d.Text)
			}
		}
		if page.NextPageID == nil {
			break
		}
		pageID = *page.NextPageID
	}

	var html strings.Builder
	html.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Transcript</title></head><body>\n")
	if err := goldmark.Convert([]byte(md.String()), &html); err != nil {
		s.writeDomainError(w, err)
		return
	}
	html.WriteString("</body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(html.String())); err != nil {
		s.logger.Warn("writing transcript", "error", err)
	}
}
