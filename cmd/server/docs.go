// Package main duochat API
//
//	@title			duochat API
//	@version		1.0
//	@description	One-to-one realtime chat with presence and image messages
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@BasePath	/
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT token (format: Bearer <token>)
package main
