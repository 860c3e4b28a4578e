/*
Package eve provides a client for the Eve flavoured REST document
store serving as the sink.

The store speaks standard REST with a few conventions this client
encodes once: api key authentication, etag based optimistic
concurrency on writes, Python style query parameters and the envelope
wrapping list responses.

# Conventions

	GET    /resource?where={...}&sort=[("field", -1)]   filtered list
	GET    /resource/<id>                               single document
	POST   /resource                                    insert
	PUT    /resource/<id>     If-Match: <etag>          replace
	PATCH  /resource/<id>     If-Match: <etag>          partial update

List responses arrive wrapped in an envelope carrying the items as
raw JSON plus paging metadata; callers decode items into their own
types.

# Errors

Interesting http statuses map to sentinels so callers can branch with
errors.Is:

	404  ErrNotFound      document or resource missing
	412  ErrPreconditionFailed  etag race, re-read and retry
	422  ErrConflict      unique constraint hit, usually a duplicate

Everything else surfaces as *StatusError with the response body
preserved for logging.
*/
package eve
