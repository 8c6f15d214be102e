package stats

import (
	"bytes"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
)

// foldBreakdown turns per-(key, code) counts into one map per key.
func foldBreakdown(counts map[breakdownKey]int64) map[WindowKey]map[string]int64 {
	out := make(map[WindowKey]map[string]int64)
	for bk, c := range counts {
		m, ok := out[bk.key]
		if !ok {
			m = make(map[string]int64)
			out[bk.key] = m
		}
		m[bk.code] += c
	}
	return out
}

// Compose left-joins the breakdown reductions onto the total/unique reduction.
// Every key of totals yields exactly one record; a key absent from a breakdown
// gets an empty map, never nil. Keys only present in a breakdown are ignored.
// Records are ordered by station id, then window start.
func Compose(totals map[WindowKey]TotalUnique, directions, types map[WindowKey]map[string]int64) []AggregateRecord {
	records := make([]AggregateRecord, 0, len(totals))
	for key, tu := range totals {
		w := key.Window()
		records = append(records, AggregateRecord{
			StationID:   key.StationID,
			WindowStart: w.Start,
			WindowEnd:   w.End,
			TotalCount:  tu.Total,
			UniqueCount: tu.Unique,
			ByDirection: copyBreakdown(directions[key]),
			ByType:      copyBreakdown(types[key]),
		})
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].StationID != records[j].StationID {
			return records[i].StationID < records[j].StationID
		}
		return records[i].WindowStart.Before(records[j].WindowStart)
	})
	return records
}

func copyBreakdown(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EncodeBreakdown renders a breakdown map as a JSON object with keys in
// lexicographic byte order, e.g. {"N":2,"S":1}. A nil or empty map encodes
// as {}. The output is byte-for-byte reproducible for equal maps.
func EncodeBreakdown(m map[string]int64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		quoted, _ := json.Marshal(k) // marshalling a string cannot fail
		buf.Write(quoted)
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatInt(m[k], 10))
	}
	buf.WriteByte('}')
	return buf.String()
}

// DecodeBreakdown parses an encoded breakdown back into a map.
func DecodeBreakdown(s string) (map[string]int64, error) {
	m := make(map[string]int64)
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
