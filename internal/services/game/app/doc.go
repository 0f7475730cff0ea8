// Package server composes the game engine for the game gRPC entrypoint.
//
// It wires the event journal, command processor, saga manager and audit log
// into an Engine, and hosts it behind a gRPC health endpoint together with
// the background loops that keep health and saga retention current.
package server
