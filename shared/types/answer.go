package types

// UnknownField fills citation fields missing from a retrieved chunk
const UnknownField = "Unknown"

// SourceMetadata is the citation subset returned with an answer
type SourceMetadata struct {
	Title         string   `json:"title" dynamodbav:"title"`
	Authors       []string `json:"authors" dynamodbav:"authors"`
	PublishedDate string   `json:"published_date" dynamodbav:"published_date"`
	ArxivID       string   `json:"arxiv_id" dynamodbav:"arxiv_id"`
}

// Source is one retrieved chunk cited by an answer
type Source struct {
	Text     string         `json:"text" dynamodbav:"text"`
	Score    float32        `json:"score" dynamodbav:"score"`
	Metadata SourceMetadata `json:"metadata" dynamodbav:"metadata"`
}

// AnswerResult is returned by both query paths. Sources is nil for a plain query.
type AnswerResult struct {
	Question string   `json:"question"`
	Answer   *string  `json:"answer"`
	Sources  []Source `json:"sources"`
	Error    *string  `json:"error"`
}

// TitleResult is the outcome of titling a session
type TitleResult struct {
	Title     string `json:"title"`
	SessionID string `json:"session_id,omitempty"`
	Updated   bool   `json:"updated"`
}
