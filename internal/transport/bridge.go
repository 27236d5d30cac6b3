package transport

import (
	"go.uber.org/zap"

	"gpsbridge/internal/autobaud"
	"gpsbridge/internal/decode"
	"gpsbridge/internal/serial"
)

// engineBridge receives decode engine callbacks on the decode goroutine.
type engineBridge struct{ s *Supervisor }

func (b engineBridge) OnMessage(buf []byte, offset, length int, typ decode.MessageType) {
	defer b.s.recoverBridge("message")

	b.s.mu.Lock()
	task := b.s.task
	b.s.mu.Unlock()
	if task == nil {
		return
	}
	task.OnMessage(buf, offset, length, typ)
}

func (b engineBridge) OnLocation(fix decode.Fix) {
	defer b.s.recoverBridge("location")

	s := b.s
	if s.cancelled.Load() {
		return
	}
	if !fix.Valid {
		s.consumer.OnLocationUnknown()
		return
	}
	loc := locationFromFix(fix)
	s.consumer.OnLocationReceived(loc)
	if s.firstFix.CompareAndSwap(false, true) {
		s.consumer.OnFirstLocationReceived(loc)
	}
}

func (s *Supervisor) recoverBridge(kind string) {
	if r := recover(); r != nil {
		s.log.Error("transport: bridge callback fault",
			zap.String("callback", kind),
			zap.Any("panic", r),
			zap.Stack("stack"))
	}
}

// handoff is what an autobaud task sees of the supervisor for one
// connection.
type handoff struct {
	s    *Supervisor
	ctrl Controller
	line serial.LineConfig
}

func (h *handoff) LineConfig() serial.LineConfig { return h.line }

func (h *handoff) ApplyLineConfig(lc serial.LineConfig) error {
	if h.s.cancelled.Load() {
		return errCancelRequested
	}
	return h.ctrl.SetLineConfig(lc)
}

func (h *handoff) OnAutobaudCompleted(t *autobaud.Task, baud int) {
	h.s.finishAutobaud(t, h.line.WithBaudRate(baud), true)
}

func (h *handoff) OnAutobaudFailed(t *autobaud.Task) {
	h.s.finishAutobaud(t, h.line, false)
}
