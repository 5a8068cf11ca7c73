package storymeta

var stopWords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "also": {}, "and": {}, "are": {},
	"because": {}, "been": {}, "before": {}, "being": {}, "between": {}, "but": {},
	"can": {}, "could": {}, "did": {}, "does": {}, "for": {}, "from": {},
	"had": {}, "has": {}, "have": {}, "her": {}, "here": {}, "his": {},
	"how": {}, "into": {}, "its": {}, "just": {}, "more": {}, "most": {},
	"new": {}, "not": {}, "now": {}, "off": {}, "one": {}, "only": {},
	"other": {}, "our": {}, "out": {}, "over": {}, "said": {}, "says": {},
	"she": {}, "should": {}, "some": {}, "than": {}, "that": {}, "the": {},
	"their": {}, "them": {}, "then": {}, "there": {}, "these": {}, "they": {},
	"this": {}, "those": {}, "through": {}, "under": {}, "until": {}, "very": {},
	"was": {}, "were": {}, "what": {}, "when": {}, "where": {}, "which": {},
	"while": {}, "who": {}, "why": {}, "will": {}, "with": {}, "would": {},
	"you": {}, "your": {},
}

func isStopWord(token string) bool {
	_, ok := stopWords[token]
	return ok
}
