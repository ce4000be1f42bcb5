package evidence

import (
	"strings"
	"time"

	"evidence-ledger/core/store"
)

type tagRule struct {
	tag      string
	keywords []string
}

var tagRules = map[store.EvidenceType][]tagRule{
	store.EvidenceChatLog: {
		{tag: "threat_contained", keywords: []string{"threat", "kill", "harm"}},
		{tag: "bullying", keywords: []string{"bully", "harass", "abuse"}},
	},
	store.EvidenceScreenshot: {
		{tag: "violent_content", keywords: []string{"violence"}},
		{tag: "explicit_content", keywords: []string{"explicit"}},
	},
	store.EvidenceEmail: {
		{tag: "phishing_attempt", keywords: []string{"phishing"}},
		{tag: "scam", keywords: []string{"scam"}},
	},
}

// AutoTags labels evidence by type and keyword, plus a capture-day tag.
func AutoTags(evType store.EvidenceType, content []byte, at time.Time) []string {
	tags := []string{string(evType)}
	lower := strings.ToLower(string(content))
	for _, rule := range tagRules[evType] {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				tags = append(tags, rule.tag)
				break
			}
		}
	}
	return append(tags, "timestamp_"+at.UTC().Format("20060102"))
}
