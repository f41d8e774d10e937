package modrelay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"
)

const (
	defaultPromptIdle = 30 * time.Second
	promptPageSize    = 23

	pageBackValue    = "page-left"
	pageForwardValue = "page-right"

	promptCopy   = "You're a member of several workspaces I serve. Which one is this message for?"
	repromptCopy = "Just to confirm again: which workspace is this message for?"
	timedOutCopy = "Timed out..."
)

type destinationCandidate struct {
	workspaceID string
	name        string
}

// DestinationResolver decides which workspace an inbound direct message
// belongs to, prompting the user when more than one qualifies and caching
// the answer for the selection TTL.
type DestinationResolver struct {
	platform Platform
	configs  ConfigSource
	cache    SelectionCache
	idle     time.Duration
}

// NewDestinationResolver wires the resolver. A non-positive idle uses the
// default 30s prompt timeout.
func NewDestinationResolver(platform Platform, configs ConfigSource, cache SelectionCache, idle time.Duration) *DestinationResolver {
	if idle <= 0 {
		idle = defaultPromptIdle
	}
	return &DestinationResolver{platform: platform, configs: configs, cache: cache, idle: idle}
}

// Resolve returns exactly one destination workspace for the user, or a
// rejection wrapping ErrNoDestination when none qualifies or the
// disambiguation prompt times out.
func (r *DestinationResolver) Resolve(ctx context.Context, userID string) (string, error) {
	candidates, err := r.candidates(ctx, userID)
	if err != nil {
		return "", err
	}
	switch len(candidates) {
	case 0:
		return "", reject(ErrNoDestination, "you don't share any workspace with me that has a relay channel configured")
	case 1:
		return candidates[0].workspaceID, nil
	}

	if cached, ok, err := r.cache.Get(ctx, userID); err != nil {
		log.Printf("selection cache get for %s: %v", userID, err)
	} else if ok {
		for _, candidate := range candidates {
			if candidate.workspaceID == cached {
				// Refresh the TTL on use.
				if err := r.cache.Put(ctx, userID, cached); err != nil {
					log.Printf("selection cache refresh for %s: %v", userID, err)
				}
				return cached, nil
			}
		}
		if err := r.cache.Forget(ctx, userID); err != nil {
			log.Printf("selection cache forget for %s: %v", userID, err)
		}
	}

	selected, err := r.prompt(ctx, userID, candidates)
	if err != nil {
		return "", err
	}
	if err := r.cache.Put(ctx, userID, selected); err != nil {
		log.Printf("selection cache put for %s: %v", userID, err)
	}
	return selected, nil
}

func (r *DestinationResolver) candidates(ctx context.Context, userID string) ([]destinationCandidate, error) {
	memberships, err := r.platform.UserWorkspaces(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("membership lookup: %w", err)
	}
	configured := make(map[string]bool)
	for _, workspaceID := range r.configs.ConfiguredWorkspaces() {
		configured[workspaceID] = true
	}
	var candidates []destinationCandidate
	for _, workspaceID := range memberships {
		if !configured[workspaceID] {
			continue
		}
		member, err := r.platform.MemberOf(ctx, workspaceID, userID)
		if err != nil {
			log.Printf("member lookup in %s for %s: %v", workspaceID, userID, err)
			continue
		}
		name := member.WorkspaceName
		if name == "" {
			name = workspaceID
		}
		candidates = append(candidates, destinationCandidate{workspaceID: workspaceID, name: name})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].name < candidates[j].name })
	return candidates, nil
}

func (r *DestinationResolver) prompt(ctx context.Context, userID string, candidates []destinationCandidate) (string, error) {
	recently, err := r.cache.RecentlyExpired(ctx, userID)
	if err != nil {
		log.Printf("selection cache recently-expired for %s: %v", userID, err)
	}
	copyText := promptCopy
	if recently {
		copyText = repromptCopy
	}

	page := 0
	pageCount := (len(candidates) + promptPageSize - 1) / promptPageSize
	content, options := promptPage(copyText, candidates, page, pageCount)

	prompt, err := r.platform.OpenSelectPrompt(ctx, userID, content, options)
	if err != nil {
		return "", fmt.Errorf("open destination prompt: %w", err)
	}

	valid := make(map[string]bool, len(candidates))
	for _, candidate := range candidates {
		valid[candidate.workspaceID] = true
	}

	for {
		idleCtx, cancel := context.WithTimeout(ctx, r.idle)
		value, err := prompt.Await(idleCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrPromptClosed) {
				if closeErr := prompt.Close(ctx, timedOutCopy); closeErr != nil {
					log.Printf("close destination prompt for %s: %v", userID, closeErr)
				}
				return "", reject(ErrNoDestination, "the workspace selection timed out; send your message again to retry")
			}
			return "", fmt.Errorf("await destination prompt: %w", err)
		}

		switch value {
		case pageBackValue, pageForwardValue:
			if value == pageBackValue {
				page--
			} else {
				page++
			}
			if page < 0 {
				page = 0
			}
			if page >= pageCount {
				page = pageCount - 1
			}
			content, options = promptPage(copyText, candidates, page, pageCount)
			if err := prompt.Update(ctx, content, options); err != nil {
				return "", fmt.Errorf("update destination prompt: %w", err)
			}
		default:
			if !valid[value] {
				continue
			}
			if err := prompt.Delete(ctx); err != nil {
				log.Printf("delete destination prompt for %s: %v", userID, err)
			}
			return value, nil
		}
	}
}

func promptPage(copyText string, candidates []destinationCandidate, page, pageCount int) (string, []SelectOption) {
	content := copyText
	if pageCount > 1 {
		content = fmt.Sprintf("%s - Page %d/%d", copyText, page+1, pageCount)
	}
	start := page * promptPageSize
	end := start + promptPageSize
	if end > len(candidates) {
		end = len(candidates)
	}
	var options []SelectOption
	if page > 0 {
		options = append(options, SelectOption{Label: "Previous page", Value: pageBackValue})
	}
	for _, candidate := range candidates[start:end] {
		options = append(options, SelectOption{Label: candidate.name, Value: candidate.workspaceID})
	}
	if page < pageCount-1 {
		options = append(options, SelectOption{Label: "Next page", Value: pageForwardValue})
	}
	return content, options
}
