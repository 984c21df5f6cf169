// Package docs registers the OpenAPI document served at /swagger.
// Regenerate with: swag init -g cmd/server/main.go
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["系统"],
                "summary": "健康检查",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.healthBody"}}
                }
            }
        },
        "/api/v1/realtime/stream": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "每一帧为 JSON：{type, data?, message?, timestamp, connectionId?}。消息总线不可用时返回 503，客户端需手动刷新。",
                "produces": ["text/event-stream"],
                "tags": ["实时推送"],
                "summary": "订阅实时事件（SSE）",
                "parameters": [
                    {"type": "string", "description": "EventSource 无法设置请求头时使用的 JWT", "name": "token", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/gateway.Frame"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/response.Response"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/response.Response"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/v1/realtime/status": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["实时推送"],
                "summary": "实时状态与通知",
                "parameters": [
                    {"type": "integer", "default": 10, "description": "返回的通知条数", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"allOf": [
                        {"$ref": "#/definitions/response.Response"},
                        {"type": "object", "properties": {"data": {"$ref": "#/definitions/service.Status"}}}
                    ]}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.Response"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/v1/realtime/publish/question": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "由写路径在事务提交后调用。推送失败不会返回错误。",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["发布"],
                "summary": "广播新问题",
                "parameters": [
                    {"description": "已持久化的问题", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handler.questionRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/response.Response"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/v1/realtime/publish/answer": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["发布"],
                "summary": "推送新回答给提问者",
                "parameters": [
                    {"description": "回答及其所属问题", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handler.answerRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/response.Response"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/v1/realtime/publish/question-update": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["发布"],
                "summary": "广播问题更新",
                "parameters": [
                    {"description": "更新后的问题", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handler.questionRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/response.Response"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/v1/realtime/notifications/read": {
            "post": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["实时推送"],
                "summary": "将通知全部标记为已读",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/response.Response"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        }
    },
    "definitions": {
        "gateway.Frame": {
            "type": "object",
            "properties": {
                "type": {"type": "string"},
                "data": {"type": "object"},
                "message": {"type": "string"},
                "timestamp": {"type": "integer"},
                "connectionId": {"type": "string"}
            }
        },
        "handler.answerBody": {
            "type": "object",
            "required": ["authorId", "content", "id"],
            "properties": {
                "id": {"type": "string"},
                "authorId": {"type": "string"},
                "authorName": {"type": "string", "maxLength": 64},
                "content": {"type": "string"},
                "createdAt": {"type": "string"}
            }
        },
        "handler.answerRequest": {
            "type": "object",
            "required": ["answer", "question"],
            "properties": {
                "answer": {"$ref": "#/definitions/handler.answerBody"},
                "question": {"$ref": "#/definitions/handler.questionRequest"}
            }
        },
        "handler.questionRequest": {
            "type": "object",
            "required": ["authorId", "id", "title"],
            "properties": {
                "id": {"type": "string"},
                "authorId": {"type": "string"},
                "title": {"type": "string", "maxLength": 300},
                "content": {"type": "string"},
                "category": {"type": "string", "maxLength": 64},
                "status": {"type": "string", "enum": ["open", "answered", "closed"]},
                "answerCount": {"type": "integer", "minimum": 0},
                "createdAt": {"type": "string"},
                "updatedAt": {"type": "string"}
            }
        },
        "handler.healthBody": {
            "type": "object",
            "properties": {
                "status": {"type": "string"},
                "broker": {"type": "boolean"},
                "connections": {"type": "integer"},
                "timestamp": {"type": "integer"}
            }
        },
        "model.Notification": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "type": {"type": "string"},
                "title": {"type": "string"},
                "message": {"type": "string"},
                "questionId": {"type": "string"},
                "answerId": {"type": "string"},
                "timestamp": {"type": "integer"},
                "read": {"type": "boolean"}
            }
        },
        "response.Response": {
            "type": "object",
            "properties": {
                "code": {"type": "integer"},
                "message": {"type": "string"},
                "data": {}
            }
        },
        "service.Status": {
            "type": "object",
            "properties": {
                "status": {"type": "string"},
                "activeUsers": {"type": "integer"},
                "notifications": {"type": "array", "items": {"$ref": "#/definitions/model.Notification"}},
                "unreadCount": {"type": "integer"},
                "timestamp": {"type": "integer"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "QA Realtime API",
	Description:      "问答平台实时推送：SSE 事件流、在线状态与通知队列",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
