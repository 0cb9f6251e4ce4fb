package proxy

import "strings"

// parseRecipient splits a "to" argument of the form "agent" or
// "agent@team" (spec.md §4.1, atm_send). An empty team component means
// "use the caller's team".
func parseRecipient(to string) (agent, team string) {
	if idx := strings.IndexByte(to, '@'); idx >= 0 {
		return to[:idx], to[idx+1:]
	}
	return to, ""
}

// resolveIdentity applies the fallback order explicit argument -> proxy
// config -> default (spec.md §4.1 step 2): the default is applied by the
// caller passing Config.Identity as configDefault.
func resolveIdentity(argIdentity, configDefault string) string {
	if argIdentity != "" {
		return argIdentity
	}
	return configDefault
}

// resolveTeam applies the same fallback shape for the team namespace.
func resolveTeam(argTeam, configDefault string) string {
	if argTeam != "" {
		return argTeam
	}
	return configDefault
}
