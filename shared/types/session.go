package types

import "time"

// Session groups the messages of one conversation
type Session struct {
	ID        string    `json:"id" dynamodbav:"id"`
	Title     string    `json:"title" dynamodbav:"title"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// Message is one question/answer exchange within a session
type Message struct {
	ID        string    `json:"id" dynamodbav:"id"`
	SessionID string    `json:"session_id" dynamodbav:"session_id"`
	Question  string    `json:"question" dynamodbav:"question"`
	Answer    string    `json:"answer" dynamodbav:"answer"`
	Sources   []Source  `json:"sources" dynamodbav:"sources"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"created_at"`
}
