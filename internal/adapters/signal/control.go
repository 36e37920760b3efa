package signal

import (
	"context"
	"time"

	"github.com/dkeye/voiceconf/internal/app"
	"github.com/dkeye/voiceconf/internal/protocol"
)

func (ctl *SignalWSController) handlePing(context.Context, *app.Session, protocol.Request, app.Reply) (any, error) {
	return protocol.PongData{ServerTime: time.Now().UnixMilli()}, nil
}
