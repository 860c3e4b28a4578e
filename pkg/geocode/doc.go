/*
Package geocode enriches person and organization entities with a
location before their first insert into the sink.

Addresses resolve through the ArcGIS world geocoding service, pinned
to Norway. Lookups are strictly best effort: any failure falls back to
a fixed central Oslo point with a zero score, and zero score results
are never written to the entity. Entities that already carry a
location, merged away persons and the 9999 placeholder zip code are
left untouched.
*/
package geocode
