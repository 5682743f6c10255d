package domain

import (
	"fmt"
	"time"
)

type SourceType string

const (
	SourceMessage  SourceType = "message"
	SourceEmail    SourceType = "email"
	SourceDocument SourceType = "document"
)

// AllSourceTypes lists every indexed source in a stable order.
var AllSourceTypes = []SourceType{SourceMessage, SourceEmail, SourceDocument}

func ParseSourceType(raw string) (SourceType, error) {
	switch st := SourceType(raw); st {
	case SourceMessage, SourceEmail, SourceDocument:
		return st, nil
	default:
		return "", WrapError(ErrInvalidInput, "parse source type", fmt.Errorf("unknown source type %q", raw))
	}
}

// SourceItem is a raw record written by a source connector into the staging feed.
type SourceItem struct {
	SourceType SourceType `json:"source_type"`
	SourceID   string     `json:"source_id"`
	Payload    []byte     `json:"payload"`
	Deleted    bool       `json:"deleted"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type ChatMessage struct {
	ChannelID string    `json:"channel_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

type EmailMessage struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	LabelIDs  []string  `json:"label_ids"`
	From      string    `json:"from,omitempty"`
	To        []string  `json:"to,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	BodyText  string    `json:"body_text,omitempty"`
	BodyHTML  string    `json:"body_html,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

type WikiPage struct {
	PageID   string `json:"page_id"`
	SpaceKey string `json:"space_key,omitempty"`
	Title    string `json:"title"`
	BodyHTML string `json:"body_html"`
	// BodyMarkdown is used when a wiki exports markdown instead of HTML.
	BodyMarkdown string   `json:"body_markdown,omitempty"`
	AncestorIDs  []string `json:"ancestor_ids,omitempty"`
	Version      int      `json:"version,omitempty"`
}

// TextUnit is the uniform, source-independent record the synchronizer indexes.
type TextUnit struct {
	SourceType SourceType `json:"source_type"`
	SourceID   string     `json:"source_id"`
	Text       string     `json:"text"`
	UpdatedAt  time.Time  `json:"updated_at"`
	// OriginalTimestamp is when the item was authored at the source, if known.
	OriginalTimestamp time.Time         `json:"original_timestamp"`
	ScopeKeys         []string          `json:"scope_keys"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Deleted           bool              `json:"deleted"`
}
