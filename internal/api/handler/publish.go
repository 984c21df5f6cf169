package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/qa-realtime/internal/model"
	"github.com/d60-Lab/qa-realtime/pkg/response"
)

type questionRequest struct {
	ID          string               `json:"id" binding:"required"`
	AuthorID    string               `json:"authorId" binding:"required"`
	Title       string               `json:"title" binding:"required,max=300"`
	Content     string               `json:"content"`
	Category    string               `json:"category" binding:"max=64"`
	Status      model.QuestionStatus `json:"status" binding:"omitempty,oneof=open answered closed"`
	AnswerCount int                  `json:"answerCount" binding:"gte=0"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

func (r questionRequest) model() model.Question {
	status := r.Status
	if status == "" {
		status = model.QuestionOpen
	}
	return model.Question{
		ID:        r.ID,
		AuthorID:  r.AuthorID,
		Title:     r.Title,
		Content:   r.Content,
		Category:  r.Category,
		Status:    status,
		Answers:   r.AnswerCount,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type answerBody struct {
	ID         string    `json:"id" binding:"required"`
	AuthorID   string    `json:"authorId" binding:"required"`
	AuthorName string    `json:"authorName" binding:"max=64"`
	Content    string    `json:"content" binding:"required"`
	CreatedAt  time.Time `json:"createdAt"`
}

type answerRequest struct {
	Answer   answerBody      `json:"answer" binding:"required"`
	Question questionRequest `json:"question" binding:"required"`
}

func accepted(c *gin.Context) {
	c.JSON(http.StatusAccepted, response.Response{Code: 0, Message: "accepted"})
}

// PublishQuestion 新问题已落库
// @Summary 广播新问题
// @Description 由写路径在事务提交后调用。推送失败不会返回错误。
// @Tags 发布
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body questionRequest true "已持久化的问题"
// @Success 202 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/realtime/publish/question [post]
func (h *Handler) PublishQuestion(c *gin.Context) {
	var req questionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	h.publisher.PublishNewQuestion(c.Request.Context(), req.model())
	accepted(c)
}

// PublishAnswer 新回答已落库
// @Summary 推送新回答给提问者
// @Tags 发布
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body answerRequest true "回答及其所属问题"
// @Success 202 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/realtime/publish/answer [post]
func (h *Handler) PublishAnswer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	a := model.Answer{
		ID:         req.Answer.ID,
		QuestionID: req.Question.ID,
		AuthorID:   req.Answer.AuthorID,
		AuthorName: req.Answer.AuthorName,
		Content:    req.Answer.Content,
		CreatedAt:  req.Answer.CreatedAt,
	}
	h.publisher.PublishNewAnswer(c.Request.Context(), a, req.Question.model())
	accepted(c)
}

// PublishQuestionUpdate 问题状态变更
// @Summary 广播问题更新
// @Tags 发布
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body questionRequest true "更新后的问题"
// @Success 202 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/realtime/publish/question-update [post]
func (h *Handler) PublishQuestionUpdate(c *gin.Context) {
	var req questionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	h.publisher.PublishQuestionUpdate(c.Request.Context(), req.model())
	accepted(c)
}
