// Package providers owns the registry of identity providers: their client
// registrations, accepted issuers, and signing key material.
//
// The registry is loaded from a YAML file plus a directory of per-provider
// JWK set files. Reload replaces the published snapshot wholesale, so a
// verifying reader always observes either the old complete key set or the
// new one, never a partial overwrite.
package providers
