package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
)

// Normalizer converts raw connector payloads into TextUnits.
type Normalizer struct{}

func New() *Normalizer {
	return &Normalizer{}
}

func (n *Normalizer) Normalize(item domain.SourceItem) (domain.TextUnit, error) {
	if strings.TrimSpace(item.SourceID) == "" {
		return domain.TextUnit{}, domain.WrapError(domain.ErrInvalidInput, "normalize", errors.New("source id is empty"))
	}

	unit := domain.TextUnit{
		SourceType: item.SourceType,
		SourceID:   item.SourceID,
		UpdatedAt:  item.UpdatedAt,
	}
	if item.Deleted {
		unit.Deleted = true
		return unit, nil
	}

	var err error
	switch item.SourceType {
	case domain.SourceMessage:
		err = normalizeMessage(item.Payload, &unit)
	case domain.SourceEmail:
		err = normalizeEmail(item.Payload, &unit)
	case domain.SourceDocument:
		err = normalizeDocument(item.Payload, &unit)
	default:
		err = fmt.Errorf("unknown source type %q", item.SourceType)
	}
	if err != nil {
		return domain.TextUnit{}, domain.WrapError(domain.ErrInvalidInput, "normalize "+string(item.SourceType), err)
	}
	return unit, nil
}

func normalizeMessage(payload []byte, unit *domain.TextUnit) error {
	var msg domain.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode message payload: %w", err)
	}
	unit.Text = cleanText(msg.Text)
	unit.ScopeKeys = scopeKeys(msg.ChannelID)
	unit.OriginalTimestamp = msg.SentAt
	unit.Metadata = metadata(
		"channel_id", msg.ChannelID,
		"thread_id", msg.ThreadID,
		"author", msg.Author,
	)
	return nil
}

func normalizeEmail(payload []byte, unit *domain.TextUnit) error {
	var mail domain.EmailMessage
	if err := json.Unmarshal(payload, &mail); err != nil {
		return fmt.Errorf("decode email payload: %w", err)
	}

	body := cleanText(mail.BodyText)
	if body == "" && mail.BodyHTML != "" {
		converted, err := htmlToText(mail.BodyHTML)
		if err != nil {
			return fmt.Errorf("convert email html: %w", err)
		}
		body = converted
	}
	unit.Text = joinParagraphs(cleanText(mail.Subject), body)
	unit.ScopeKeys = scopeKeys(mail.LabelIDs...)
	unit.OriginalTimestamp = mail.SentAt
	unit.Metadata = metadata(
		"subject", mail.Subject,
		"from", mail.From,
		"thread_id", mail.ThreadID,
		"message_id", mail.MessageID,
	)
	return nil
}

func normalizeDocument(payload []byte, unit *domain.TextUnit) error {
	var page domain.WikiPage
	if err := json.Unmarshal(payload, &page); err != nil {
		return fmt.Errorf("decode page payload: %w", err)
	}

	bodyHTML := page.BodyHTML
	if strings.TrimSpace(bodyHTML) == "" && page.BodyMarkdown != "" {
		rendered, err := markdownToHTML(page.BodyMarkdown)
		if err != nil {
			return fmt.Errorf("render page markdown: %w", err)
		}
		bodyHTML = rendered
	}
	body, err := htmlToText(bodyHTML)
	if err != nil {
		return fmt.Errorf("convert page html: %w", err)
	}
	unit.Text = joinParagraphs(cleanText(page.Title), body)

	pageID := page.PageID
	if pageID == "" {
		pageID = unit.SourceID
	}
	unit.ScopeKeys = scopeKeys(append([]string{pageID}, page.AncestorIDs...)...)
	unit.Metadata = metadata(
		"title", page.Title,
		"space_key", page.SpaceKey,
		"page_id", pageID,
	)
	return nil
}

// scopeKeys trims, deduplicates and sorts container ids.
func scopeKeys(keys ...string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func metadata(pairs ...string) map[string]string {
	out := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		if v := strings.TrimSpace(pairs[i+1]); v != "" {
			out[pairs[i]] = v
		}
	}
	return out
}

func joinParagraphs(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
