package tcp

import (
	"log/slog"

	"github.com/lvlip/utcp/internal"
)

// logger is embedded by ControlBlock, Handler, Conn and Listener to give
// each a terse debug/trace/error logging surface without repeating the
// nil-check-and-format dance at every call site.
type logger struct {
	internal.Logger
}

func (l logger) debug(msg string, attrs ...slog.Attr)  { l.Debug(msg, attrs...) }
func (l logger) trace(msg string, attrs ...slog.Attr)  { l.Trace(msg, attrs...) }
func (l logger) info(msg string, attrs ...slog.Attr)   { l.Info(msg, attrs...) }
func (l logger) logerr(msg string, attrs ...slog.Attr) { l.Error(msg, attrs...) }
func (l logger) logenabled(lvl slog.Level) bool        { return l.Enabled(lvl) }

func (tcb *ControlBlock) traceSnd(msg string) {
	tcb.trace(msg,
		slog.String("state", tcb._state.String()),
		slog.Uint64("pend", uint64(tcb.pending[0])),
		slog.Uint64("snd.nxt", uint64(tcb.snd.NXT)),
		slog.Uint64("snd.una", uint64(tcb.snd.UNA)),
		slog.Uint64("snd.wnd", uint64(tcb.snd.WND)),
	)
}

func (tcb *ControlBlock) traceRcv(msg string) {
	tcb.trace(msg,
		slog.String("state", tcb._state.String()),
		slog.Uint64("rcv.nxt", uint64(tcb.rcv.NXT)),
		slog.Uint64("rcv.wnd", uint64(tcb.rcv.WND)),
		slog.Bool("challenge", tcb.challengeAck),
	)
}

func (tcb *ControlBlock) traceSeg(msg string, seg Segment) {
	if tcb.logenabled(internal.LevelTrace) {
		tcb.trace(msg,
			slog.Uint64("seg.seq", uint64(seg.SEQ)),
			slog.Uint64("seg.ack", uint64(seg.ACK)),
			slog.Uint64("seg.wnd", uint64(seg.WND)),
			slog.String("seg.flags", seg.Flags.String()),
			slog.Uint64("seg.data", uint64(seg.DATALEN)),
		)
	}
}
