package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case MarkSlow:
		return "mark_slow"
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	default:
		return "none"
	}
}

// Policy decides what happens to a participant whose socket cannot keep up with
// conference notifications.
type Policy interface {
	OnBackPressure(conf *Conference, p *Participant) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(conf *Conference, p *Participant) BackpressureAction {
	return KickMember
}

type PolicyFunc func(conf *Conference, p *Participant) BackpressureAction

func (f PolicyFunc) OnBackPressure(conf *Conference, p *Participant) BackpressureAction {
	return f(conf, p)
}
