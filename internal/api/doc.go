// Package api is the REST client for the support-desk session endpoints.
//
// Endpoints:
//   - POST /auth/login: username/password to bearer token
//   - GET  /users/me: profile of the token holder
//
// The real-time core never calls these itself. The console binary uses them
// to obtain the (token, identity) pair it hands to chat.Service.
package api
