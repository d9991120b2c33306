package mediator

import "net/http"

// VersionHeader carries the protocol version of every inbound request.
const VersionHeader = "MCP-Version"

// DefaultVersion is the only protocol version supported out of the box.
const DefaultVersion = "2025-06-18"

// ValidateVersion checks the version header for an exact match against
// supported. Empty values count as missing.
func ValidateVersion(h http.Header, supported []string) (string, *Error) {
	version := h.Get(VersionHeader)
	if version == "" {
		return "", errVersionRequired()
	}
	for _, v := range supported {
		if v == version {
			return version, nil
		}
	}
	return "", errVersionUnsupported(version, supported)
}
