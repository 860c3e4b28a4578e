/*
Package nif provides the client for the federation's SOAP/XML api.

The api exposes change feeds and entity lookups over document literal
SOAP. This client speaks just enough of it: build an envelope, post
it, unwrap the response body and convert the XML payload into plain
maps with snake_cased keys, ready to be written to the sink as JSON.

# Services

	SynchronizationService.svc   change feeds, entity fetches,
	                             integration user provisioning, Hello

Change feeds are windowed: GetChanges and its license, competence,
payment and organisation variants take a half open time window and
return the change messages inside it. Entity fetches return the full
current state of a person, function or organisation.

# Time Handling

The api speaks naive local timestamps in the federation's timezone.
The client renders outgoing window bounds in that zone and parses
incoming ordinals back into UTC, attaching the zone to naive values.
Callers only ever see UTC.

# Error Model

Three failure shapes come back from a call:

  - transport and http errors wrap ErrUnavailable and are retried by
    callers
  - SOAP faults and application results with Success=false surface as
    *Fault with the service's error code and message
  - Hello treats an application fault as "channel up, credentials not
    yet valid" and reports false without an error

Credentials are composite: app_id/function_id/username. Integration
users created through CreateIntegrationUser take a while before the
source lets them authenticate; poll Hello until it returns true.
*/
package nif
