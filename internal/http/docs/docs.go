// Package docs registers the OpenAPI description of the ops API with swag so
// gin-swagger can serve it under /swagger. Keep it in step with the godoc
// annotations on the handlers.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/stats": {
            "get": {
                "tags": ["Ops"],
                "summary": "Per-app reply queue counts and poller status",
                "operationId": "getStats",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/bridge.Stats"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/apps": {
            "get": {
                "tags": ["Apps"],
                "summary": "List polled apps",
                "operationId": "listApps",
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.AppsResponse"}}
                }
            }
        },
        "/apps/{id}/start": {
            "post": {
                "tags": ["Apps"],
                "summary": "Start polling an app",
                "operationId": "startApp",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"name": "body", "in": "body", "schema": {"$ref": "#/definitions/handlers.StartAppRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Already running", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/apps/{id}/stop": {
            "post": {
                "tags": ["Apps"],
                "summary": "Stop polling an app",
                "operationId": "stopApp",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/apps/{id}/poll": {
            "post": {
                "tags": ["Apps"],
                "summary": "Run one poll cycle now",
                "operationId": "pollApp",
                "produces": ["application/json"],
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/poller.CycleResult"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "502": {"description": "Review source failed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/apps/{id}/reviews": {
            "get": {
                "tags": ["Reviews"],
                "summary": "List stored reviews for an app, newest first",
                "operationId": "listReviews",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "integer", "name": "page", "in": "query"},
                    {"type": "integer", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ReviewsResponse"}},
                    "304": {"description": "Not Modified"}
                }
            }
        },
        "/apps/{id}/rooms": {
            "get": {
                "tags": ["Rooms"],
                "summary": "List rooms mapped to an app",
                "operationId": "listRooms",
                "produces": ["application/json"],
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.RoomsResponse"}}
                }
            },
            "post": {
                "tags": ["Rooms"],
                "summary": "Map a room to an app",
                "operationId": "createAppRoom",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.AppRoomRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/rooms": {
            "post": {
                "tags": ["Rooms"],
                "summary": "Create a room mapping",
                "operationId": "createRoom",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "responses": {
                    "201": {"description": "Created"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/replies": {
            "post": {
                "tags": ["Replies"],
                "summary": "Queue a reply for a review directly",
                "operationId": "queueReply",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/dispatch.ReplyRequest"}}],
                "responses": {
                    "202": {"description": "Accepted"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/chat/replies": {
            "post": {
                "tags": ["Webhook"],
                "summary": "Inbound reply webhook",
                "operationId": "chatReply",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "Authorization", "in": "header"},
                    {"type": "string", "name": "Idempotency-Key", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "Duplicate or ignored", "schema": {"$ref": "#/definitions/handlers.WebhookResponse"}},
                    "202": {"description": "Queued", "schema": {"$ref": "#/definitions/handlers.WebhookResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "request_id": {"type": "string"}
            }
        },
        "handlers.WebhookResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string", "example": "queued"},
                "reason": {"type": "string"}
            }
        },
        "handlers.StartAppRequest": {
            "type": "object",
            "properties": {
                "display_name": {"type": "string"},
                "room_id": {"type": "string"},
                "poll_interval": {"type": "string", "example": "5m"},
                "max_reviews_per_poll": {"type": "integer"},
                "lookback_days": {"type": "integer"}
            }
        },
        "handlers.AppRoomRequest": {
            "type": "object",
            "required": ["room_id"],
            "properties": {
                "room_id": {"type": "string"},
                "app_name": {"type": "string"},
                "kind": {"type": "string", "example": "reviews"},
                "promote": {"type": "boolean"}
            }
        },
        "handlers.AppsResponse": {"type": "object"},
        "handlers.RoomsResponse": {"type": "object"},
        "handlers.ReviewsResponse": {"type": "object"},
        "bridge.Stats": {"type": "object"},
        "poller.CycleResult": {"type": "object"},
        "dispatch.ReplyRequest": {
            "type": "object",
            "required": ["app_id", "review_id", "text"],
            "properties": {
                "app_id": {"type": "string"},
                "review_id": {"type": "string"},
                "text": {"type": "string"},
                "chat_event_id": {"type": "string"},
                "chat_room_id": {"type": "string"},
                "sender_id": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Play Review Bridge API",
	Description:      "Ops API and reply webhook for the Play Store review bridge.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
