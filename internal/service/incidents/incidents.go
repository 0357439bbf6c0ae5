// Package incidents turns stored incidents into the dedup engine's incident
// collaborators according to the configured policy.
package incidents

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashita-ai/futago/internal/config"
	"github.com/ashita-ai/futago/internal/dedup"
	"github.com/ashita-ai/futago/internal/model"
)

// Source lists incidents newest first.
type Source interface {
	ListIncidents(ctx context.Context, activeOnly bool) ([]model.Incident, error)
}

// Collaborators holds at most one of Lister and Linker.
type Collaborators struct {
	Lister dedup.IncidentLister
	Linker dedup.IncidentLinker
}

// Apply copies the collaborators into cfg.
func (c Collaborators) Apply(cfg *dedup.Config) {
	cfg.Lister = c.Lister
	cfg.Linker = c.Linker
}

// ForPolicy builds the collaborators for policy. "first" links every record
// to the newest active incident, "product" only to the newest active incident
// for the record's product, "none" disables correlation.
func ForPolicy(policy string, src Source) (Collaborators, error) {
	switch policy {
	case config.IncidentPolicyFirst:
		return Collaborators{Lister: Lister(src)}, nil
	case config.IncidentPolicyProduct:
		return Collaborators{Linker: ProductLinker(src)}, nil
	case config.IncidentPolicyNone, "":
		return Collaborators{}, nil
	default:
		return Collaborators{}, fmt.Errorf("incidents: unknown policy %q", policy)
	}
}

// Lister returns the ids of active incidents, newest first.
func Lister(src Source) dedup.IncidentLister {
	return func(ctx context.Context) ([]string, error) {
		incs, err := src.ListIncidents(ctx, true)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(incs))
		for i, inc := range incs {
			ids[i] = inc.ID
		}
		return ids, nil
	}
}

// ProductLinker picks the newest active incident whose product matches the
// record's product tag, ignoring case. Records without a tag are not linked.
func ProductLinker(src Source) dedup.IncidentLinker {
	return func(ctx context.Context, _, _, productTag string) (string, error) {
		tag := strings.TrimSpace(productTag)
		if tag == "" {
			return "", nil
		}
		incs, err := src.ListIncidents(ctx, true)
		if err != nil {
			return "", err
		}
		for _, inc := range incs {
			if strings.EqualFold(strings.TrimSpace(inc.Product), tag) {
				return inc.ID, nil
			}
		}
		return "", nil
	}
}
