// Package auth supplies the authenticated user id for every API call.
//
// Identity arrives as an HS256-signed JWT bearer token; the middleware
// verifies it once and attaches the "sub" claim to the request context.
// The rest of the system trusts that id and performs no further
// verification.
package auth
