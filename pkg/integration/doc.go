/*
Package integration provisions and resolves the per club integration
users the sync workers authenticate with.

Every club syncs under its own credential so the source can scope
change feeds per organisation. The credentials live in the sink's
integration/users collection with exactly one active user per (club,
realm). EnsureUser returns the active user, creating one through the
platform credential when none exists; more than one active user for
the same club is a hard error since it means two fleets would fight
over the same feed.

Freshly created users cannot authenticate immediately. The source
takes up to about three minutes to activate them, so callers check
with TestLogin and fall back to WaitAuthenticated, which polls Hello
until the user is accepted or the ceiling passes.
*/
package integration
