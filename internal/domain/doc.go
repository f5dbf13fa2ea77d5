// Package domain models storm overflow discharge events.
//
// # Data Source
//
// Water companies publish the live state of their storm overflows as ArcGIS
// feature services (the National Storm Overflow Hub and per-company feeds).
// Each feature is one overflow site with a status attribute and, on most
// feeds, the time the status last changed. Feeds are polled; nothing is pushed.
//
// # Lifecycle
//
//	first discharging observation      -> Event created, status "active"
//	further discharging observations   -> metadata refreshed, start time kept
//	site absent from discharging set   -> Event completed, end time = poll time
//
// A completed event is immutable. If the same site discharges again it opens a
// new event with a new start time and therefore a new record key.
//
// # Keys
//
// [EventID] is "<source>:<site>" and identifies a site. [RecordKey] appends the
// RFC 3339 start time so successive discharges at one site are distinct rows
// in the store and distinct entries in the publish queue.
//
// # Duration
//
// Duration is round((end - start) / 60000ms) in whole minutes. When the end
// precedes the start (clock skew, bad feed timestamps) the duration is clamped
// to zero and [Event.DurationClamped] is set.
package domain
