// Package logx is liase's structured logging facade over zerolog.
//
// Console output is human-readable with a short file:line caller, the
// optional log file is JSON, and a Service swaps both at runtime when the
// config file is reloaded.
package logx
