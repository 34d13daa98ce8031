// Package docs is a hand-maintained stand-in for swag-generated API docs
// (the swag CLI is not run as part of this build). It registers a minimal
// OpenAPI document under the name swaggo/gin-swagger expects, so
// GET /swagger/*any has something real to serve.
package docs

import "github.com/swaggo/swag"

const doc = `{
    "swagger": "2.0",
    "info": {
        "title": "raft2pc-bank node API",
        "description": "Read-only status, balance, log and metrics endpoints for a bank node or the coordinator.",
        "version": "1.0"
    },
    "paths": {
        "/status": {
            "get": {
                "summary": "Node or coordinator status",
                "responses": {"200": {"description": "ok"}}
            }
        },
        "/balance": {
            "get": {
                "summary": "Current cluster account balance",
                "responses": {"200": {"description": "ok"}}
            }
        },
        "/logs": {
            "get": {
                "summary": "Prepare and commit logs",
                "responses": {"200": {"description": "ok"}}
            }
        }
    }
}`

type swaggerInfo struct {
	InfoInstanceName string
	SwaggerTemplate  string
}

func (s *swaggerInfo) ReadDoc() string {
	return s.SwaggerTemplate
}

func init() {
	swag.Register("swagger", &swaggerInfo{
		InfoInstanceName: "swagger",
		SwaggerTemplate:  doc,
	})
}
