package media

import "sort"

// Presence projects the participant map into the render-ready list:
// only entries that still hold a connection appear, ordered by connect
// time ascending with the participant id breaking ties. Entries are
// copied so the caller can hold the slice across state changes.
func Presence(participants map[string]*ParticipantStream) []ParticipantStream {
	out := make([]ParticipantStream, 0, len(participants))
	for _, ps := range participants {
		if ps.Connection == nil {
			continue
		}
		entry := *ps
		entry.attached = nil
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ParticipantId < out[j].ParticipantId
	})
	return out
}
