// Package logx is postwise's structured logger, a thin layer over zerolog.
//
// Loggers handed out by a Service resolve their sink on every call, so a
// config reload that changes the level or the log file takes effect for
// component loggers created long before it. Standalone loggers (NewConsole,
// NewWriter, Nop) are fixed at construction.
package logx
