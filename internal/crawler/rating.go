package crawler

import "fmt"

// Rating is the normalized content rating of a post.
type Rating string

// Ratings every board vocabulary is mapped onto.
const (
	RatingGeneral      Rating = "general"
	RatingQuestionable Rating = "questionable"
	RatingExplicit     Rating = "explicit"
)

// RatingMap translates a board vocabulary. Unknown tokens are contract errors.
type RatingMap map[string]Rating

// Normalize looks token up in the map.
func (m RatingMap) Normalize(token string) (Rating, error) {
	if r, ok := m[token]; ok {
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown rating %q", ErrContract, token)
}
