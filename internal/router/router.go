// SPDX-License-Identifier: MIT

// Package router decides which model queue an upload is bound to.
package router

import "strings"

// Model queue names.
const (
	ModelBelle2   = "belle2"
	ModelWhisperx = "whisperx"
	// DefaultAuto means no deployment-pinned model; language routing applies.
	DefaultAuto = "auto"
)

// chineseTags is the set of language hints routed to the BELLE-2 backend.
// Matching is case-insensitive on the primary subtag.
var chineseTags = map[string]bool{
	"zh":       true,
	"zh-cn":    true,
	"zh-tw":    true,
	"cmn":      true,
	"mandarin": true,
}

// Route maps an upload's language hint and the deployment default onto a
// target model queue. Pure function, policy evaluated in order:
//  1. a pinned default (belle2 or whisperx) always wins,
//  2. a Chinese language hint routes to belle2,
//  3. everything else routes to whisperx.
func Route(languageHint, configuredDefault string) string {
	switch configuredDefault {
	case ModelBelle2, ModelWhisperx:
		return configuredDefault
	}

	hint := strings.ToLower(strings.TrimSpace(languageHint))
	if chineseTags[hint] {
		return ModelBelle2
	}
	// BCP 47 hints like zh-Hans-CN reduce to their primary subtag.
	if primary, _, found := strings.Cut(hint, "-"); found && chineseTags[primary] {
		return ModelBelle2
	}

	return ModelWhisperx
}
