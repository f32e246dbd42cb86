// Package server implements the WebSocket chat gateway.
//
// The implementation is organized into specialized files: clients and their
// pumps, the connection registry, heartbeat supervision, broadcast fanout,
// the gateway controller that ties them to validation and storage, the room
// directory, configuration, and the gin routes and HTTP handlers.
package server
