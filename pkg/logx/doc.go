// Package logx provides a small structured logging facade over zerolog.
//
// Components receive a Logger value and never touch the underlying zerolog
// instance directly; the Service owns sink configuration (console, file) and
// can re-Apply() it at runtime without invalidating loggers already handed
// out. The zero Logger value is a safe no-op, which keeps constructors free
// of nil checks.
package logx
