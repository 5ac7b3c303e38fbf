package graph

import "fmt"

// PolicyTag selects the ingress behaviour of an AS. Only the first tag of an
// AS's policy vector is consulted.
type PolicyTag int

const (
	// PolicyBGP accepts every incoming announcement.
	PolicyBGP PolicyTag = iota
	// PolicyROV rejects announcements whose origin is a known attacker.
	PolicyROV
	// PolicyROVpp is ROV plus a blackhole announcement for each rejected
	// prefix, propagated like any other route.
	PolicyROVpp
	// PolicyROVppBis additionally strips blackhole and preventive entries
	// from vectors exported to providers and peers.
	PolicyROVppBis
	// PolicyROVppBP is the preventive-announcement variant with the same
	// export stripping as ROVppBis.
	PolicyROVppBP
)

var policyNames = map[string]PolicyTag{
	"bgp":      PolicyBGP,
	"rov":      PolicyROV,
	"rovpp":    PolicyROVpp,
	"rovppbis": PolicyROVppBis,
	"rovppbp":  PolicyROVppBP,
}

// ParsePolicyTag maps a lower-case tag name from the policy table to its tag.
func ParsePolicyTag(name string) (PolicyTag, error) {
	if tag, ok := policyNames[name]; ok {
		return tag, nil
	}
	return PolicyBGP, fmt.Errorf("graph: unknown policy tag %q", name)
}

func (p PolicyTag) String() string {
	switch p {
	case PolicyBGP:
		return "bgp"
	case PolicyROV:
		return "rov"
	case PolicyROVpp:
		return "rovpp"
	case PolicyROVppBis:
		return "rovppbis"
	case PolicyROVppBP:
		return "rovppbp"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// rejectsOrigins reports whether the tag performs route-origin validation.
func (p PolicyTag) rejectsOrigins() bool {
	return p != PolicyBGP
}

// blackholes reports whether the tag answers a rejection with a blackhole
// announcement.
func (p PolicyTag) blackholes() bool {
	return p == PolicyROVpp || p == PolicyROVppBis || p == PolicyROVppBP
}

// StripsExports reports whether blackhole and preventive entries must be
// removed from vectors exported to providers and peers.
func (p PolicyTag) StripsExports() bool {
	return p == PolicyROVppBis || p == PolicyROVppBP
}
