package wsrelay

import "github.com/dkeye/voicelink/internal/domain"

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	Disconnect
)

// Policy decides what happens to a connection whose send queue is full.
// drops counts consecutive frames lost on that connection.
type Policy interface {
	OnBackpressure(user domain.UserID, topic string, drops int) BackpressureAction
}

// SimplePolicy drops frames and disconnects after KickAfter consecutive drops.
// Zero KickAfter never disconnects.
type SimplePolicy struct {
	KickAfter int
}

func (p SimplePolicy) OnBackpressure(_ domain.UserID, _ string, drops int) BackpressureAction {
	if p.KickAfter > 0 && drops >= p.KickAfter {
		return Disconnect
	}
	return DropFrame
}
