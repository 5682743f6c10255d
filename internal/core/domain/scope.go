package domain

import "time"

type ScopeGroup struct {
	GroupID   string         `json:"group_id"`
	Name      string         `json:"name,omitempty"`
	Bindings  []ScopeBinding `json:"bindings"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type ScopeBinding struct {
	SourceType SourceType `json:"source_type"`
	SourceKey  string     `json:"source_key"`
}

// ResolvedScope holds the concrete container ids a group is bound to, per source type.
type ResolvedScope struct {
	GroupID    string   `json:"group_id"`
	ChannelIDs []string `json:"channel_ids"`
	LabelIDs   []string `json:"label_ids"`
	PageIDs    []string `json:"page_ids"`
}

func (s ResolvedScope) IsEmpty() bool {
	return len(s.ChannelIDs) == 0 && len(s.LabelIDs) == 0 && len(s.PageIDs) == 0
}

// KeysFor returns the eligible scope keys for one source type.
func (s ResolvedScope) KeysFor(st SourceType) []string {
	switch st {
	case SourceMessage:
		return s.ChannelIDs
	case SourceEmail:
		return s.LabelIDs
	case SourceDocument:
		return s.PageIDs
	default:
		return nil
	}
}
