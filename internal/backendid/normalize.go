package backendid

import "strings"

// Normalize canonicalizes simulator backend names and common aliases.
func Normalize(name string) string {
	normalized := strings.TrimSpace(strings.ToLower(name))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	normalized = strings.Trim(normalized, "-")
	if normalized == "" {
		return ""
	}
	if canonical, ok := normalizeKnownAlias(normalized); ok {
		return canonical
	}
	return normalized
}

func normalizeKnownAlias(normalized string) (string, bool) {
	for _, candidate := range aliasCandidates(normalized) {
		if canonical, ok := canonicalBackendName(candidate); ok {
			return canonical, true
		}
	}
	return "", false
}

func aliasCandidates(normalized string) []string {
	candidate := strings.TrimPrefix(normalized, "backend-")
	candidate = strings.Trim(candidate, "-")

	candidates := []string{normalized}
	if candidate != "" && candidate != normalized {
		candidates = append(candidates, candidate)
	}

	trimmedCandidate := trimSimSuffix(candidate)
	if trimmedCandidate != "" && trimmedCandidate != candidate {
		candidates = append(candidates, trimmedCandidate)
	}
	return candidates
}

func trimSimSuffix(value string) string {
	switch {
	case strings.HasSuffix(value, "-sim"):
		return strings.TrimSuffix(value, "-sim")
	case strings.HasSuffix(value, "sim") && !strings.Contains(value, "-"):
		return strings.TrimSuffix(value, "sim")
	default:
		return value
	}
}

func canonicalBackendName(alias string) (string, bool) {
	switch alias {
	case "ring":
		return "ring", true
	case "sumo", "traci", "sumo-traci":
		return "sumo", true
	case "aimsun":
		return "aimsun", true
	case "remote":
		return "remote", true
	}

	compact := strings.ReplaceAll(alias, "-", "")
	switch compact {
	case "ring", "ringroad", "loop":
		return "ring", true
	case "sumo", "sumotraci", "traci":
		return "sumo", true
	case "aimsun":
		return "aimsun", true
	case "remote", "tcp":
		return "remote", true
	default:
		return "", false
	}
}
