// Package classifier implements C6, the Method Classifier: a pure,
// deterministic function from a CDP method name to a backend, built as a
// static policy table rather than an if/else chain — grounded on the
// teacher's isValidWebSocketScope/isValidHTTPScope map-membership checks
// (cmd/cdp-proxy/main.go), generalized from "is this scope allowed" to
// "which backend serves this method".
package classifier

import "strings"

// Backend is the chosen destination for a classified method.
type Backend int

const (
	Browser Backend = iota
	Agent
)

// agentMethods is the closed set of privileged, extension-only operations
// the Agent alone can serve (spec.md §4.6): tab lifecycle, console-log
// capture, screenshot, page-content extraction, simplified-DOM
// extraction, service enable/disable, log retrieval. These are
// undotted names in the Agent's own namespace, never standard CDP
// domain.method pairs.
var agentMethods = map[string]bool{
	"list_tabs":             true,
	"create_tab":            true,
	"close_tab":             true,
	"activate_tab":          true,
	"capture_console_logs":  true,
	"capture_screenshot":    true,
	"get_page_content":      true,
	"get_simplified_dom":    true,
	"enable_service":        true,
	"disable_service":       true,
	"get_logs":              true,
}

// fallbackAllowList is the small set of BROWSER-domain methods the Agent
// can serve in a degraded capacity when the Browser Link is down
// (spec.md §4.6).
var fallbackAllowList = map[string]bool{
	"Browser.getVersion":  true,
	"Target.createTarget": true,
}

// Classify returns the backend a well-formed, dotted-or-not method name
// routes to under normal conditions (both links up). A dotted method
// (any "Domain.method" shape) is a standard CDP call and always routes to
// BROWSER; anything else routes to AGENT only if it is in the closed
// allow-list, otherwise ok is false (UNSUPPORTED_METHOD, spec.md §8).
func Classify(method string) (backend Backend, ok bool) {
	if strings.Contains(method, ".") {
		return Browser, true
	}
	if agentMethods[method] {
		return Agent, true
	}
	return Browser, false
}

// InFallbackAllowList reports whether method may still be served by the
// Agent, in degraded mode, when the Browser Link is down.
func InFallbackAllowList(method string) bool {
	return fallbackAllowList[method]
}
