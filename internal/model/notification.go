package model

// NotificationType 通知类型
type NotificationType string

const NotificationNewAnswer NotificationType = "new_answer"

// Notification 用户通知队列中的一条记录（按用户切分，最新在前）
type Notification struct {
	ID         string           `json:"id"`
	Type       NotificationType `json:"type"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	QuestionID string           `json:"questionId,omitempty"`
	AnswerID   string           `json:"answerId,omitempty"`
	Timestamp  int64            `json:"timestamp"`
	Read       bool             `json:"read"`
}
