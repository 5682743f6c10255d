package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
	"github.com/kirillkom/workspace-retrieval/internal/core/ports"
)

const maxScopeGroupIDLen = 128

type ScopeResolverUseCase struct {
	store ports.ScopeStore
}

func NewScopeResolverUseCase(store ports.ScopeStore) *ScopeResolverUseCase {
	return &ScopeResolverUseCase{store: store}
}

// Resolve returns the container ids bound to groupID. A missing group or a
// group without bindings resolves to an empty scope rather than an error.
func (uc *ScopeResolverUseCase) Resolve(ctx context.Context, groupID string) (domain.ResolvedScope, error) {
	if err := validateScopeGroupID(groupID); err != nil {
		return domain.ResolvedScope{}, err
	}

	bindings, err := uc.store.ListBindings(ctx, groupID)
	if err != nil {
		return domain.ResolvedScope{}, fmt.Errorf("list scope bindings: %w", err)
	}

	channels := make(map[string]struct{})
	labels := make(map[string]struct{})
	pages := make(map[string]struct{})
	for _, b := range bindings {
		key := strings.TrimSpace(b.SourceKey)
		if key == "" {
			continue
		}
		switch b.SourceType {
		case domain.SourceMessage:
			channels[key] = struct{}{}
		case domain.SourceEmail:
			labels[key] = struct{}{}
		case domain.SourceDocument:
			pages[key] = struct{}{}
		}
	}

	return domain.ResolvedScope{
		GroupID:    groupID,
		ChannelIDs: sortedKeys(channels),
		LabelIDs:   sortedKeys(labels),
		PageIDs:    sortedKeys(pages),
	}, nil
}

func validateScopeGroupID(groupID string) error {
	if groupID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "resolve scope", errors.New("scope group id is empty"))
	}
	if len(groupID) > maxScopeGroupIDLen {
		return domain.WrapError(domain.ErrInvalidInput, "resolve scope", fmt.Errorf("scope group id longer than %d bytes", maxScopeGroupIDLen))
	}
	for _, r := range groupID {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == unicode.ReplacementChar {
			return domain.WrapError(domain.ErrInvalidInput, "resolve scope", fmt.Errorf("scope group id contains invalid character %q", r))
		}
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ScopeGroupUseCase maintains scope groups. Reads go through the resolver so
// a deleted group resolves empty on the very next call.
type ScopeGroupUseCase struct {
	*ScopeResolverUseCase
	store ports.ScopeGroupStore
	now   func() time.Time
}

func NewScopeGroupUseCase(store ports.ScopeGroupStore) *ScopeGroupUseCase {
	return &ScopeGroupUseCase{
		ScopeResolverUseCase: NewScopeResolverUseCase(store),
		store:                store,
		now:                  time.Now,
	}
}

// SaveGroup replaces the group's bindings. Duplicate and blank bindings are
// dropped; an unknown source type rejects the whole group.
func (uc *ScopeGroupUseCase) SaveGroup(ctx context.Context, group domain.ScopeGroup) (domain.ScopeGroup, error) {
	if err := validateScopeGroupID(group.GroupID); err != nil {
		return domain.ScopeGroup{}, err
	}

	seen := make(map[domain.ScopeBinding]struct{}, len(group.Bindings))
	bindings := make([]domain.ScopeBinding, 0, len(group.Bindings))
	for _, b := range group.Bindings {
		st, err := domain.ParseSourceType(string(b.SourceType))
		if err != nil {
			return domain.ScopeGroup{}, err
		}
		b = domain.ScopeBinding{SourceType: st, SourceKey: strings.TrimSpace(b.SourceKey)}
		if b.SourceKey == "" {
			continue
		}
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		bindings = append(bindings, b)
	}
	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].SourceType != bindings[j].SourceType {
			return bindings[i].SourceType < bindings[j].SourceType
		}
		return bindings[i].SourceKey < bindings[j].SourceKey
	})

	group.Name = strings.TrimSpace(group.Name)
	group.Bindings = bindings
	group.UpdatedAt = uc.now().UTC()
	if err := uc.store.SaveGroup(ctx, group); err != nil {
		return domain.ScopeGroup{}, domain.WrapError(domain.ErrStore, "save scope group", err)
	}
	return group, nil
}

func (uc *ScopeGroupUseCase) DeleteGroup(ctx context.Context, groupID string) error {
	if err := validateScopeGroupID(groupID); err != nil {
		return err
	}
	if err := uc.store.DeleteGroup(ctx, groupID); err != nil {
		return domain.WrapError(domain.ErrStore, "delete scope group", err)
	}
	return nil
}
