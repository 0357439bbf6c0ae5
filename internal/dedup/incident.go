package dedup

import "context"

// IncidentReason is the reason attached to every KindKnownIncident match.
const IncidentReason = "linked to active incident"

// CorrelateIncident links the record to an active incident. linker takes
// precedence over lister; the lister's first entry is used as-is, with no
// ranking applied here. Both may be nil.
func CorrelateIncident(ctx context.Context, recordID, accountID, productTag string, lister IncidentLister, linker IncidentLinker) (Match, string, bool, error) {
	var incidentID string
	switch {
	case linker != nil:
		id, err := linker(ctx, recordID, accountID, productTag)
		if err != nil {
			return Match{}, "", false, err
		}
		incidentID = id
	case lister != nil:
		ids, err := lister(ctx)
		if err != nil {
			return Match{}, "", false, err
		}
		if len(ids) > 0 {
			incidentID = ids[0]
		}
	}
	if incidentID == "" {
		return Match{}, "", false, nil
	}
	return Match{
		CandidateID: incidentID,
		Kind:        KindKnownIncident,
		Reason:      IncidentReason,
	}, incidentID, true, nil
}
