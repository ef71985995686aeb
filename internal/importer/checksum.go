package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// CanonicalString serializes rows for hashing: each row is the "|"-joined
// name=value list over Fields, rows are sorted by stage_application and then
// by their serialized line, and joined with "\n". The input slice is not
// reordered.
func CanonicalString(rows []Row) string {
	type keyed struct {
		key  string
		line string
	}
	lines := make([]keyed, len(rows))
	for i := range rows {
		lines[i] = keyed{key: rows[i].StageApplication, line: canonicalLine(&rows[i])}
	}
	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].key != lines[j].key {
			return lines[i].key < lines[j].key
		}
		return lines[i].line < lines[j].line
	})

	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.line)
	}
	return b.String()
}

func canonicalLine(row *Row) string {
	var b strings.Builder
	for j, field := range Fields {
		if j > 0 {
			b.WriteByte('|')
		}
		b.WriteString(field)
		b.WriteByte('=')
		b.WriteString(row.Value(field))
	}
	return b.String()
}

// Checksum is the hex SHA-256 of CanonicalString. It depends on row content
// only, never on envelope metadata or submission order.
func Checksum(rows []Row) string {
	sum := sha256.Sum256([]byte(CanonicalString(rows)))
	return hex.EncodeToString(sum[:])
}
