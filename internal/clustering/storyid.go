package clustering

import (
	"strings"

	"github.com/google/uuid"
)

// Namespace is the UUIDv5 namespace of every story id. Changing it changes the
// id of every story minted afterwards.
var Namespace = uuid.MustParse("6f1c3b0e-2d4a-5b8e-9c71-4e0a7d2f9b13")

// NewStoryID derives the story id seeded by one article id.
func NewStoryID(seed string) string {
	return uuid.NewSHA1(Namespace, []byte(strings.TrimSpace(seed))).String()
}

// SplitStoryID derives the id of the group split off storyID, seeded by the
// smallest article id in that group.
func SplitStoryID(storyID, seed string) string {
	return NewStoryID(strings.TrimSpace(storyID) + "/" + strings.TrimSpace(seed))
}
