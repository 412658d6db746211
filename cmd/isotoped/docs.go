package main

// General API documentation for swaggo. Generate with `swag init -g cmd/isotoped/docs.go`.
//
// @title           isotope API
// @version         1.0
// @description     HTTP API for a local, single-user LLM chat assistant.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
