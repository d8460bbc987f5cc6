// Package logx is postsched's logging layer over zerolog. Console output is
// human-readable with a short caller, the optional file sink is JSON, and a
// Service can swap level and sinks on config reload.
package logx
