package sources

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

type Factory func(ClientOptions) mirror.SourceAdapter

var factories = map[string]Factory{
	SourceIssues:      func(o ClientOptions) mirror.SourceAdapter { return NewIssueTracker(o) },
	SourceContacts:    func(o ClientOptions) mirror.SourceAdapter { return NewContacts(o) },
	SourceInbox:       func(o ClientOptions) mirror.SourceAdapter { return NewInbox(o) },
	SourceTimeTracker: func(o ClientOptions) mirror.SourceAdapter { return NewTimeTracker(o) },
	SourceChat:        func(o ClientOptions) mirror.SourceAdapter { return NewChat(o) },
}

// buildOrder puts link targets ahead of the sources that resolve against them.
var buildOrder = []string{SourceContacts, SourceIssues, SourceTimeTracker, SourceInbox, SourceChat}

// Names lists the built-in source ids.
func Names() []string {
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func New(source string, opts ClientOptions) (mirror.SourceAdapter, error) {
	factory, ok := factories[strings.ToLower(strings.TrimSpace(source))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mirror.ErrUnknownSource, source)
	}
	return factory(opts), nil
}

// Build constructs one adapter per configured source. Contacts come first so
// a full pass can link conversations to them.
func Build(configured map[string]ClientOptions) ([]mirror.SourceAdapter, error) {
	normalized := make(map[string]ClientOptions, len(configured))
	for name, opts := range configured {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, ok := factories[key]; !ok {
			return nil, fmt.Errorf("%w: %s", mirror.ErrUnknownSource, name)
		}
		normalized[key] = opts
	}
	adapters := make([]mirror.SourceAdapter, 0, len(normalized))
	for _, name := range buildOrder {
		opts, ok := normalized[name]
		if !ok {
			continue
		}
		adapters = append(adapters, factories[name](opts))
	}
	return adapters, nil
}
