package cache

import (
	"sort"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

// DefaultMaxCount replaces a zero MaxCount in timeline requests.
const DefaultMaxCount = 255

// FilterTimeline selects entries around ref from an ascending list.
// Looking backward keeps entries starting at or before ref and returns the
// last maxCount of them; looking forward keeps entries starting after ref and
// returns the first maxCount. A maxCount of 0 means DefaultMaxCount.
func FilterTimeline(entries []panl.TimelineEntry, ref uint16, forward bool, maxCount uint8) []panl.TimelineEntry {
	limit := int(maxCount)
	if limit == 0 {
		limit = DefaultMaxCount
	}

	// First index whose start is after ref.
	split := sort.Search(len(entries), func(i int) bool { return entries[i].Start > ref })

	out := []panl.TimelineEntry{}
	if forward {
		end := split + limit
		if end > len(entries) {
			end = len(entries)
		}
		return append(out, entries[split:end]...)
	}
	begin := split - limit
	if begin < 0 {
		begin = 0
	}
	return append(out, entries[begin:split]...)
}

func sortEntries(entries []panl.TimelineEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Start < entries[j].Start })
}
