package session

import "strings"

// completedPhrases maps known in-progress status phrasings to their
// completed form. Anything not listed falls back to the suffix rewrite in
// completedForm.
var completedPhrases = map[string]string{
	"Searching documents...":           "Searched documents",
	"Searching the web...":             "Searched the web",
	"Reading document...":              "Read document",
	"Reading documents...":             "Read documents",
	"Analyzing sources...":             "Analyzed sources",
	"Gathering context...":             "Gathered context",
	"Thinking...":                      "Thought it through",
	"Drafting a plan...":               "Drafted a plan",
	"Executing plan step...":           "Executed plan step",
	"Summarizing results...":           "Summarized results",
	"Consulting the knowledge base...": "Consulted the knowledge base",
}

// completedForm rewrites an in-progress status text to a past-tense form.
// Known phrasings use the explicit table; otherwise the first "...ing" word
// has its suffix rewritten to "ed" and trailing ellipsis dots are dropped.
// Best-effort by design: the result is display text, nothing parses it.
func completedForm(text string) string {
	if v, ok := completedPhrases[text]; ok {
		return v
	}

	trimmed := strings.TrimRight(strings.TrimSpace(text), ".")
	if trimmed == "" {
		return text
	}

	words := strings.Fields(trimmed)
	for i, w := range words {
		if len(w) > 3 && strings.HasSuffix(strings.ToLower(w), "ing") {
			words[i] = w[:len(w)-3] + "ed"
			break
		}
	}
	return strings.Join(words, " ")
}

// upsertStatus updates the status entry for task in place, or inserts a new
// ephemeral entry immediately before the open assistant message so the
// narration visually precedes the answer it describes. Returns the entry.
func (c *Controller) upsertStatus(task, text string, completed bool) *Message {
	for i := c.turn.startIndex; i < len(c.messages); i++ {
		m := c.messages[i]
		if m.IsStatus() && m.StatusTask == task {
			m.Content = text
			m.StatusDone = completed
			return m
		}
	}

	entry := &Message{
		ID:         NewStatusID(),
		Role:       RoleAssistant,
		Content:    text,
		CreatedAt:  c.now(),
		StatusTask: task,
		StatusDone: completed,
	}

	idx := c.indexOf(c.turn.openMsg)
	if idx < 0 {
		idx = len(c.messages)
	}
	c.messages = append(c.messages, nil)
	copy(c.messages[idx+1:], c.messages[idx:])
	c.messages[idx] = entry
	return entry
}

// sweepStatuses rewrites every still-incomplete status entry of the current
// turn to its completed, past-tense form.
func (c *Controller) sweepStatuses() {
	for i := c.turn.startIndex; i < len(c.messages); i++ {
		m := c.messages[i]
		if !m.IsStatus() || m.StatusDone {
			continue
		}
		m.Content = completedForm(m.Content)
		m.StatusDone = true
		c.emit(StatusEvent{
			MessageID: m.ID,
			Task:      m.StatusTask,
			Text:      m.Content,
			Completed: true,
			Turn:      c.turn.seq,
		})
	}
}

// purgeStatuses removes all status entries. Called at the start of a new
// turn: status narration is not conversation history and is never persisted.
func (c *Controller) purgeStatuses() {
	kept := c.messages[:0]
	for _, m := range c.messages {
		if !m.IsStatus() {
			kept = append(kept, m)
		}
	}
	c.messages = kept
}
