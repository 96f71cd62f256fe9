// Package geowatch provides live geospatial proximity queries on top of
// document stores that only support ordered range scans.
//
// Locations are written as (geohash, [lat, lng]) documents. A GeoQuery
// decomposes a circular region into a covering set of geohash ranges, keeps
// one store subscription per range, and turns the raw change stream into
// entered/exited/moved/changed events with exact distance checks.
//
// Backends are pluggable: an embedded in-memory store, Redis via rueidis,
// and Cloud Firestore ship in-tree; any store satisfying the internal
// ordered-store contract can be injected with WithStore.
package geowatch
