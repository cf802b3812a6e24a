// Package logx wraps zerolog for greetd.
//
// Loggers are values. Components take one, add their fields with With and
// keep it. Loggers built from a Service follow its level and sinks, which
// Service.Apply swaps at runtime: pretty or JSON console, plus an optional
// JSON file.
package logx
