package xunfei

import (
	"sort"
	"strings"
)

// SegmentMap is the ordered sequence-number to text association used to
// merge dynamic-correction results. It is not safe for concurrent use.
type SegmentMap struct {
	parts map[int]string
}

func NewSegmentMap() *SegmentMap {
	return &SegmentMap{parts: make(map[int]string)}
}

// InvalidateRange drops every segment with from <= sn <= to.
func (m *SegmentMap) InvalidateRange(from, to int) {
	if from > to {
		from, to = to, from
	}
	for sn := range m.parts {
		if sn >= from && sn <= to {
			delete(m.parts, sn)
		}
	}
}

func (m *SegmentMap) Set(sn int, text string) {
	m.parts[sn] = text
}

func (m *SegmentMap) Len() int { return len(m.parts) }

// Text joins the segments in sequence order.
func (m *SegmentMap) Text() string {
	keys := make([]int, 0, len(m.parts))
	for sn := range m.parts {
		keys = append(keys, sn)
	}
	sort.Ints(keys)
	var b strings.Builder
	for _, sn := range keys {
		b.WriteString(m.parts[sn])
	}
	return b.String()
}
