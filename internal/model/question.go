package model

import "time"

// QuestionStatus 问题状态
type QuestionStatus string

const (
	QuestionOpen     QuestionStatus = "open"
	QuestionAnswered QuestionStatus = "answered"
	QuestionClosed   QuestionStatus = "closed"
)

// Question 已持久化的问题快照（数据库为唯一事实来源）
type Question struct {
	ID        string         `json:"id"`
	AuthorID  string         `json:"authorId"`
	Title     string         `json:"title"`
	Content   string         `json:"content,omitempty"`
	Category  string         `json:"category,omitempty"`
	Status    QuestionStatus `json:"status"`
	Answers   int            `json:"answerCount"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Answer 导师对问题的回答
type Answer struct {
	ID         string    `json:"id"`
	QuestionID string    `json:"questionId"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}
