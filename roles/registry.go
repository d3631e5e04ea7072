package roles

import "strings"

// Definition is the internal role definition a source role code resolves to.
type Definition struct {
	Identifier string
	Source     Source
}

// Registry resolves upstream role codes to internal role definitions.
// Unresolvable codes are dropped by callers, not treated as errors.
type Registry interface {
	ResolveRoleCode(code string) (Definition, bool)
}

// StaticRegistry is a fixed code table built at startup.
type StaticRegistry map[string]Definition

func (r StaticRegistry) ResolveRoleCode(code string) (Definition, bool) {
	def, ok := r[strings.ToUpper(strings.TrimSpace(code))]
	return def, ok
}

// DefaultRegistry returns the known CCR role-code table.
func DefaultRegistry() StaticRegistry {
	return StaticRegistry{
		"LEDE": {Identifier: "styreleder", Source: SourceCCR},
		"DAGL": {Identifier: "daglig-leder", Source: SourceCCR},
		"MEDL": {Identifier: "styremedlem", Source: SourceCCR},
		"NEST": {Identifier: "nestleder", Source: SourceCCR},
		"VARA": {Identifier: "varamedlem", Source: SourceCCR},
		"BEST": {Identifier: "bestyrende-reder", Source: SourceCCR},
		"INNH": {Identifier: "innehaver", Source: SourceCCR},
		"REGN": {Identifier: "regnskapsforer", Source: SourceCCR},
		"REVI": {Identifier: "revisor", Source: SourceCCR},
		// Guardianship codes resolve to the guardianship source and are
		// dropped when they show up in a CCR payload.
		"VERG": {Identifier: "verge", Source: SourceGuardianship},
	}
}

// GuardianRoleIdentifier is the single role identifier used for guardianship
// assignments.
const GuardianRoleIdentifier = "verge"
