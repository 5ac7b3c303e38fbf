package source

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/route-beacon/route-extrapolator/internal/graph"
)

// ParseASPath parses an AS path from its textual forms: a Postgres array
// literal ("{701,174,3356}") or a space-separated list ("701 174 3356").
// The order of the input is preserved (origin last).
func ParseASPath(s string) ([]uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	if s == "" {
		return nil, nil
	}
	var fields []string
	if strings.ContainsRune(s, ',') {
		fields = strings.Split(s, ",")
	} else {
		fields = strings.Fields(s)
	}
	path := make([]uint32, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		asn, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("source: bad ASN %q in path: %w", f, err)
		}
		path = append(path, uint32(asn))
	}
	return path, nil
}

// parsePolicyVector parses a comma-separated list of policy tag names.
func parsePolicyVector(s string) ([]graph.PolicyTag, error) {
	var tags []graph.PolicyTag
	for _, name := range strings.Split(s, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		tag, err := graph.ParsePolicyTag(name)
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// int64Path converts a Postgres bigint[] AS path, rejecting values outside
// the 32-bit ASN range.
func int64Path(raw []int64) ([]uint32, error) {
	path := make([]uint32, 0, len(raw))
	for _, v := range raw {
		if v < 0 || v > int64(^uint32(0)) {
			return nil, fmt.Errorf("source: ASN %d out of range", v)
		}
		path = append(path, uint32(v))
	}
	return path, nil
}
