// Package auth models the caller of an inbound request.
//
// It extracts a normalized Authorization value from the headers and cookies
// of a request without touching the network or the database. Verification of
// bearer tokens happens elsewhere; this package only classifies and carries
// the credential.
package auth
