// Package session manages per-connection session records backed by Redis.
// A session is created once a connection authenticates and deleted when the
// connection closes; it lets operators (and other gateway instances) see
// which users are connected and where.
package session
