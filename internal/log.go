package internal

import (
	"context"
	"encoding/binary"
	"log/slog"
)

// LevelTrace is one notch below slog.LevelDebug, used for the very chatty
// per-segment tracing the teacher's tcp package emits (traceSnd/traceRcv).
const LevelTrace slog.Level = slog.LevelDebug - 2

// Logger is embedded by ControlBlock, Handler, Conn and Listener to provide
// the same debug/trace/info/error logging helpers the teacher scatters
// through tcp/debug.go, backed by log/slog (kept as-is: it is the teacher's
// own ambient logging choice, not a stdlib fallback we introduced).
type Logger struct {
	Log *slog.Logger
}

// Enabled reports whether a log line at lvl would actually be emitted,
// letting callers skip building slog.Attr slices on hot paths.
func (l Logger) Enabled(lvl slog.Level) bool {
	return l.Log != nil && l.Log.Handler().Enabled(context.Background(), lvl)
}

func (l Logger) logAttrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	if l.Log == nil || !l.Log.Handler().Enabled(context.Background(), lvl) {
		return
	}
	l.Log.LogAttrs(context.Background(), lvl, msg, attrs...)
}

func (l Logger) Trace(msg string, attrs ...slog.Attr) { l.logAttrs(LevelTrace, msg, attrs...) }
func (l Logger) Debug(msg string, attrs ...slog.Attr)  { l.logAttrs(slog.LevelDebug, msg, attrs...) }
func (l Logger) Info(msg string, attrs ...slog.Attr)   { l.logAttrs(slog.LevelInfo, msg, attrs...) }
func (l Logger) Error(msg string, attrs ...slog.Attr)  { l.logAttrs(slog.LevelError, msg, attrs...) }

// SlogAddr4 packs a 4-byte IPv4 address into a slog.Attr without allocating
// a string, mirroring the teacher's internal/slogattr.go.
func SlogAddr4(key string, addr *[4]byte) slog.Attr {
	u64Addr := uint64(binary.BigEndian.Uint32(addr[:]))
	return slog.Uint64(key, u64Addr)
}

// SlogAddr6 packs a 6-byte MAC address into a slog.Attr.
func SlogAddr6(key string, addr *[6]byte) slog.Attr {
	var buf [8]byte
	copy(buf[2:], addr[:])
	return slog.Uint64(key, binary.BigEndian.Uint64(buf[:]))
}

// Prand32 generates a pseudo-random number from a seed via xorshift. It is
// not cryptographically strong and no package in this module calls it; ISS
// values come from tcp.ISSGenerator.
func Prand32[T ~uint32](seed T) T {
	seed ^= seed << 13
	seed ^= seed >> 17
	seed ^= seed << 5
	return seed
}
