// Package docs registers the swagger description of the books API. The
// template follows the handler annotations and is kept in sync by hand.
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
        "/v1/books": {
            "get": {
                "produces": ["application/json"],
                "tags": ["books"],
                "summary": "List all books",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/main.APIResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/main.APIError"}}
                }
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json", "multipart/form-data"],
                "produces": ["application/json"],
                "tags": ["books"],
                "summary": "Create a book",
                "parameters": [
                    {"type": "string", "description": "json encoded book (multipart only)", "name": "book", "in": "formData"},
                    {"type": "file", "description": "cover image (jpeg, png or webp)", "name": "image", "in": "formData"}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/main.APIResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "413": {"description": "Request Entity Too Large", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "415": {"description": "Unsupported Media Type", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/main.APIError"}}
                }
            }
        },
        "/v1/books/{id}": {
            "get": {
                "description": "The bestrating id returns the best rated books instead.",
                "produces": ["application/json"],
                "tags": ["books"],
                "summary": "Get a book",
                "parameters": [
                    {"type": "string", "description": "book id", "name": "id", "in": "path", "required": true},
                    {"type": "integer", "description": "number of best rated books (1..50)", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/main.APIResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/main.APIError"}}
                }
            },
            "put": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json", "multipart/form-data"],
                "produces": ["application/json"],
                "tags": ["books"],
                "summary": "Update a book owned by the caller",
                "parameters": [
                    {"type": "string", "description": "book id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/main.APIResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "413": {"description": "Request Entity Too Large", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "415": {"description": "Unsupported Media Type", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/main.APIError"}}
                }
            },
            "delete": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["books"],
                "summary": "Delete a book owned by the caller",
                "parameters": [
                    {"type": "string", "description": "book id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/main.APIResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/main.APIError"}}
                }
            }
        },
        "/v1/books/{id}/rating": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["books"],
                "summary": "Rate a book once per user",
                "parameters": [
                    {"type": "string", "description": "book id", "name": "id", "in": "path", "required": true},
                    {"description": "grade between 1 and 5", "name": "rating", "in": "body", "required": true, "schema": {"$ref": "#/definitions/main.RatingInput"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/main.APIResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/main.APIError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/main.APIError"}}
                }
            }
        }
    },
    "definitions": {
        "main.APIError": {
            "type": "object",
            "properties": {
                "data": {},
                "message": {"type": "string"},
                "requestid": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "main.APIResponse": {
            "type": "object",
            "properties": {
                "data": {},
                "message": {"type": "string"},
                "requestid": {"type": "string"},
                "status": {"type": "integer"},
                "total": {"type": "integer"}
            }
        },
        "main.Book": {
            "type": "object",
            "properties": {
                "author": {"type": "string"},
                "averageRating": {"type": "number"},
                "createdAt": {"type": "string"},
                "genre": {"type": "string"},
                "id": {"type": "string"},
                "imageUrl": {"type": "string"},
                "ownerId": {"type": "string"},
                "ratings": {"type": "array", "items": {"$ref": "#/definitions/main.Rating"}},
                "title": {"type": "string"},
                "updatedAt": {"type": "string"},
                "year": {"type": "integer"}
            }
        },
        "main.Rating": {
            "type": "object",
            "properties": {
                "grade": {"type": "integer"},
                "raterId": {"type": "string"}
            }
        },
        "main.RatingInput": {
            "type": "object",
            "properties": {
                "grade": {"type": "integer"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Book Ratings API",
	Description:      "Book catalog with owner managed covers and user ratings.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
