package domain

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == KindAudio || k == KindVideo }

type StreamRole string

const (
	RoleMicrophone  StreamRole = "microphone"
	RoleCamera      StreamRole = "camera"
	RoleScreenshare StreamRole = "screenshare"
)

// Kind returns the media kind a role is carried on.
func (r StreamRole) Kind() MediaKind {
	if r == RoleMicrophone {
		return KindAudio
	}
	return KindVideo
}

func (r StreamRole) Valid() bool {
	switch r {
	case RoleMicrophone, RoleCamera, RoleScreenshare:
		return true
	}
	return false
}

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool { return d == DirectionSend || d == DirectionRecv }
