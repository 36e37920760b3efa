package app

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/domain"
	"github.com/dkeye/voiceconf/internal/protocol"
)

// Reply delivers the success ack of the request behind a state change. Conference
// calls it while publishing that change, so the requester and its peers observe
// events in the same order.
type Reply func(data any)

type ConferenceSettings struct {
	MaxParticipants int
	Participant     ParticipantLimits
	RequestTimeout  time.Duration
}

// Conference is a room: one router and the roster of participants relaying
// media through it. It is torn down once the roster is empty and nobody holds it.
type Conference struct {
	ID        domain.ConferenceID
	Name      string
	WorkerPID int
	CreatedAt time.Time

	router     core.Router
	settings   ConferenceSettings
	policy     Policy
	onTeardown func(*Conference)

	mu     sync.Mutex
	roster map[domain.ParticipantID]*Participant
	holds  int
	closed bool
}

func NewConference(
	id domain.ConferenceID,
	name string,
	router core.Router,
	workerPID int,
	settings ConferenceSettings,
	policy Policy,
	onTeardown func(*Conference),
) *Conference {
	return &Conference{
		ID:         id,
		Name:       name,
		WorkerPID:  workerPID,
		CreatedAt:  time.Now(),
		router:     router,
		settings:   settings,
		policy:     policy,
		onTeardown: onTeardown,
		roster:     make(map[domain.ParticipantID]*Participant),
	}
}

func (c *Conference) logger() zerolog.Logger {
	return log.With().Str("module", "app.conference").Str("conference", string(c.ID)).Logger()
}

func (c *Conference) Router() core.Router { return c.router }

func (c *Conference) RouterCapabilities() core.RTPCapabilities { return c.router.RTPCapabilities() }

// Hold keeps the conference alive while a join is in flight. It fails once the
// conference has been torn down.
func (c *Conference) Hold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.holds++
	return true
}

func (c *Conference) Release() {
	c.mu.Lock()
	c.holds--
	teardown := c.shouldTeardownLocked()
	c.mu.Unlock()
	if teardown {
		c.teardown("empty")
	}
}

func (c *Conference) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conference) shouldTeardownLocked() bool {
	if c.closed || c.holds > 0 || len(c.roster) > 0 {
		return false
	}
	c.closed = true
	return true
}

func (c *Conference) teardown(reason string) {
	l := c.logger()
	if err := c.router.Close(); err != nil {
		l.Warn().Err(err).Msg("router close")
	}
	l.Info().Str("reason", reason).Str("router", c.router.ID()).Int("worker_pid", c.WorkerPID).Msg("conference torn down")
	if c.onTeardown != nil {
		c.onTeardown(c)
	}
}

// ---------- publishing ----------

type outbox struct {
	dropped []*Participant
}

func (o *outbox) send(p *Participant, frame core.Frame) {
	if frame == nil {
		return
	}
	if err := p.signal.TrySend(frame); err != nil {
		o.dropped = append(o.dropped, p)
	}
}

func (o *outbox) notify(to []*Participant, event protocol.Event, data any) {
	frame := encodeNotification(event, data)
	for _, p := range to {
		o.send(p, frame)
	}
}

func encodeNotification(event protocol.Event, data any) core.Frame {
	frame, err := protocol.Encode(protocol.Notification{Type: event, Data: data})
	if err != nil {
		log.Error().Err(err).Str("module", "app.conference").Str("event", string(event)).Msg("encode notification")
		return nil
	}
	return frame
}

// commit applies fn under the conference lock, then runs the backpressure policy
// for every participant that could not take a notification and tears the
// conference down if it ended up empty.
func (c *Conference) commit(fn func(o *outbox) error) error {
	o := &outbox{}
	c.mu.Lock()
	err := fn(o)
	teardown := c.shouldTeardownLocked()
	c.mu.Unlock()

	c.handleDropped(o.dropped)
	if teardown {
		c.teardown("empty")
	}
	return err
}

func (c *Conference) handleDropped(dropped []*Participant) {
	if c.policy == nil || len(dropped) == 0 {
		return
	}
	seen := make(map[*Participant]struct{}, len(dropped))
	for _, p := range dropped {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		action := c.policy.OnBackPressure(c, p)
		l := c.logger()
		l.Warn().Str("participant", string(p.ID)).Str("action", action.String()).Msg("notification dropped")
		if action == KickMember {
			// Closing the socket ends up in the regular disconnect path.
			p.Signal().Close()
		}
	}
}

// othersLocked returns the roster without except, ordered by participant id.
func (c *Conference) othersLocked(except *Participant) []*Participant {
	out := make([]*Participant, 0, len(c.roster))
	for _, p := range c.roster {
		if p != except {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b *Participant) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// presentLocked filters peers down to those still in the roster.
func (c *Conference) presentLocked(peers []*Participant) []*Participant {
	out := make([]*Participant, 0, len(peers))
	for _, p := range peers {
		if c.roster[p.ID] == p {
			out = append(out, p)
		}
	}
	return out
}

func (c *Conference) publishProducerClosedLocked(
	o *outbox,
	owner domain.ParticipantID,
	producerID string,
	closed []ClosedConsumer,
	peers []*Participant,
) {
	byOwner := make(map[domain.ParticipantID][]string)
	for _, cc := range closed {
		byOwner[cc.Owner] = append(byOwner[cc.Owner], cc.ConsumerID)
	}
	for _, peer := range c.presentLocked(peers) {
		ids := byOwner[peer.ID]
		if ids == nil {
			ids = []string{}
		}
		o.send(peer, encodeNotification(protocol.EventProducerClosed, protocol.ProducerClosedData{
			ParticipantID: string(owner),
			ProducerID:    producerID,
			ConsumerIDs:   ids,
		}))
		for _, id := range ids {
			o.send(peer, encodeNotification(protocol.EventConsumerClosed, protocol.ConsumerClosedData{
				ConsumerID: id,
				ProducerID: producerID,
			}))
		}
	}
}

// ---------- roster ----------

func (c *Conference) member(id domain.ParticipantID) (*Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.roster[id]
	if !ok {
		return nil, core.ErrParticipantNotFound
	}
	return p, nil
}

func (c *Conference) Participant(id domain.ParticipantID) (*Participant, bool) {
	p, err := c.member(id)
	return p, err == nil
}

// Participants returns the roster ordered by id.
func (c *Conference) Participants() []*Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.othersLocked(nil)
}

func (c *Conference) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.roster)
}

// Join adds a participant. bind runs inside the roster update and may veto it.
// On success the joiner receives the roster snapshot through reply and every
// other member receives participantJoined.
func (c *Conference) Join(
	id domain.ParticipantID,
	name string,
	sid domain.SocketID,
	signal core.SignalConnection,
	bind func(*Participant) bool,
	reply Reply,
) (*Participant, error) {
	var p *Participant
	err := c.commit(func(o *outbox) error {
		if c.closed {
			return core.ErrConferenceClosed
		}
		if _, ok := c.roster[id]; ok {
			return core.ErrDuplicateParticipant
		}
		if limit := c.settings.MaxParticipants; limit > 0 && len(c.roster) >= limit {
			return core.ErrConferenceFull
		}
		p = NewParticipant(id, name, sid, signal, c.settings.Participant, c.settings.RequestTimeout)
		if bind != nil && !bind(p) {
			return core.ErrConnectionLeft
		}

		others := c.othersLocked(nil)
		infos := make([]protocol.ParticipantInfo, 0, len(others))
		for _, peer := range others {
			infos = append(infos, peer.Info())
		}
		c.roster[id] = p

		o.notify(others, protocol.EventParticipantJoined, p.Info())
		if reply != nil {
			reply(protocol.JoinConferenceResponse{
				ConferenceID:       string(c.ID),
				ConferenceName:     c.Name,
				ParticipantID:      string(id),
				Participants:       infos,
				RouterCapabilities: c.router.RTPCapabilities(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l := c.logger()
	l.Info().Str("participant", string(id)).Str("sid", string(sid)).Msg("participant joined")
	return p, nil
}

// Leave removes p, closes everything it owns and tells the remaining members.
// Members that joined after p was removed are not told about it.
func (c *Conference) Leave(p *Participant, reason string, reply Reply) error {
	c.mu.Lock()
	if c.roster[p.ID] != p {
		c.mu.Unlock()
		return core.ErrParticipantNotFound
	}
	delete(c.roster, p.ID)
	res := p.shutdown()
	peers := c.othersLocked(nil)
	c.mu.Unlock()

	closed := p.release(res, peers)

	_ = c.commit(func(o *outbox) error {
		for _, producerID := range slices.Sorted(maps.Keys(closed)) {
			c.publishProducerClosedLocked(o, p.ID, producerID, closed[producerID], peers)
		}
		o.notify(c.presentLocked(peers), protocol.EventParticipantLeft, protocol.ParticipantLeftData{
			ParticipantID: string(p.ID),
			Reason:        reason,
		})
		if reply != nil {
			reply(nil)
		}
		return nil
	})
	l := c.logger()
	l.Info().Str("participant", string(p.ID)).Str("reason", reason).Msg("participant left")
	return nil
}

// Kick notifies p and removes it like a leave.
func (c *Conference) Kick(p *Participant, reason string) error {
	if _, err := c.member(p.ID); err != nil {
		return err
	}
	if frame := encodeNotification(protocol.EventKicked, protocol.KickedData{ConferenceID: string(c.ID), Reason: reason}); frame != nil {
		_ = p.signal.TrySend(frame)
	}
	return c.Leave(p, "kicked", nil)
}

// ---------- media ----------

func (c *Conference) CreateTransport(ctx context.Context, id domain.ParticipantID, dir domain.Direction) (core.TransportParams, error) {
	p, err := c.member(id)
	if err != nil {
		return core.TransportParams{}, err
	}
	return p.CreateTransport(ctx, c.router, dir)
}

func (c *Conference) ConnectTransport(ctx context.Context, id domain.ParticipantID, dir domain.Direction, params core.ConnectParams) error {
	p, err := c.member(id)
	if err != nil {
		return err
	}
	return p.ConnectTransport(ctx, dir, params)
}

// Produce creates a producer for id and announces it with newProducer.
func (c *Conference) Produce(
	ctx context.Context,
	id domain.ParticipantID,
	kind domain.MediaKind,
	role domain.StreamRole,
	params webrtc.RTPSendParameters,
	reply Reply,
) (string, error) {
	p, err := c.member(id)
	if err != nil {
		return "", err
	}
	prod, err := p.Produce(ctx, kind, role, params)
	if err != nil {
		return "", err
	}

	err = c.commit(func(o *outbox) error {
		if err := p.attachProducer(prod); err != nil {
			return err
		}
		o.notify(c.othersLocked(p), protocol.EventNewProducer, protocol.NewProducerData{
			ParticipantID: string(p.ID),
			ProducerInfo:  p.producerInfo(prod),
		})
		if reply != nil {
			reply(protocol.ProduceResponse{ID: prod.ID()})
		}
		return nil
	})
	if err != nil {
		_ = prod.handle.Close()
		return "", err
	}
	l := c.logger()
	l.Info().Str("participant", string(id)).Str("producer", prod.ID()).Str("kind", string(kind)).Str("role", string(role)).Msg("producer created")
	return prod.ID(), nil
}

// Consume creates paused consumers on id's recv transport for target's producers:
// the one named by producerID, or all of them when it is empty.
func (c *Conference) Consume(
	ctx context.Context,
	id domain.ParticipantID,
	target domain.ParticipantID,
	producerID string,
	caps core.RTPCapabilities,
) ([]protocol.ConsumerParams, error) {
	c.mu.Lock()
	p, ok := c.roster[id]
	source, sok := c.roster[target]
	c.mu.Unlock()
	if !ok {
		return nil, core.ErrParticipantNotFound
	}
	if !sok {
		return nil, core.ErrCrossConference
	}

	var ids []string
	if producerID != "" {
		ids = []string{producerID}
	} else {
		for _, info := range source.Producers() {
			ids = append(ids, info.ID)
		}
	}

	var created []*Consumer
	rollback := func() {
		for _, cons := range created {
			_, _ = p.CloseConsumer(cons.ID())
		}
	}
	out := make([]protocol.ConsumerParams, 0, len(ids))
	for _, pid := range ids {
		cons, existing, err := p.Consume(ctx, c.router, source, pid, caps)
		if err == nil && !existing {
			if err = c.attachConsumer(p, source, cons); err != nil {
				_ = cons.handle.Close()
			}
		}
		if err != nil {
			// Producers closed mid-way are skipped when consuming everything.
			if producerID == "" && errors.Is(err, core.ErrProducerNotFound) {
				continue
			}
			rollback()
			return nil, err
		}
		if !existing {
			created = append(created, cons)
		}
		out = append(out, p.consumerParams(cons))
	}
	return out, nil
}

// attachConsumer registers cons unless its source producer or owner went away
// while the engine call was in flight.
func (c *Conference) attachConsumer(p, source *Participant, cons *Consumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roster[source.ID] != source || !source.HasProducer(cons.ProducerID) {
		return core.ErrProducerNotFound
	}
	if c.roster[p.ID] != p {
		return core.ErrParticipantNotFound
	}
	return p.attachConsumer(cons)
}

func (c *Conference) ResumeConsumer(ctx context.Context, id domain.ParticipantID, consumerID string) error {
	p, err := c.member(id)
	if err != nil {
		return err
	}
	return p.ResumeConsumer(ctx, consumerID)
}

func (c *Conference) PauseConsumer(ctx context.Context, id domain.ParticipantID, consumerID string) error {
	p, err := c.member(id)
	if err != nil {
		return err
	}
	return p.PauseConsumer(ctx, consumerID)
}

// SetProducerPaused pauses or resumes one producer and announces it with
// producerPaused or producerResumed.
func (c *Conference) SetProducerPaused(ctx context.Context, id domain.ParticipantID, producerID string, paused bool, reply Reply) error {
	p, err := c.member(id)
	if err != nil {
		return err
	}
	if err := p.SetProducerPaused(ctx, producerID, paused); err != nil {
		return err
	}
	event := protocol.EventProducerResumed
	if paused {
		event = protocol.EventProducerPaused
	}
	return c.commit(func(o *outbox) error {
		if c.roster[p.ID] != p {
			return core.ErrParticipantNotFound
		}
		o.notify(c.othersLocked(p), event, protocol.ProducerStateData{ParticipantID: string(p.ID), ProducerID: producerID})
		if reply != nil {
			reply(nil)
		}
		return nil
	})
}

// SetMuted mutes or unmutes every producer of kind owned by target. Every member
// except actor receives audioMuted or videoMuted.
func (c *Conference) SetMuted(
	ctx context.Context,
	actor, target domain.ParticipantID,
	kind domain.MediaKind,
	muted bool,
	reply Reply,
) error {
	p, ok := c.Participant(target)
	if !ok {
		return core.ErrCrossConference
	}
	if err := p.SetMuted(ctx, kind, muted); err != nil {
		return err
	}
	event := protocol.EventVideoMuted
	if kind == domain.KindAudio {
		event = protocol.EventAudioMuted
	}
	return c.commit(func(o *outbox) error {
		if c.roster[p.ID] != p {
			return core.ErrParticipantNotFound
		}
		var to []*Participant
		for _, peer := range c.othersLocked(nil) {
			if peer.ID != actor {
				to = append(to, peer)
			}
		}
		o.notify(to, event, protocol.MutedData{ParticipantID: string(p.ID), Muted: muted})
		if reply != nil {
			reply(nil)
		}
		return nil
	})
}

// CloseProducer closes one of id's producers together with every consumer of it.
// Each other member gets one producerClosed, followed by a consumerClosed for
// every consumer of theirs that went with it.
func (c *Conference) CloseProducer(id domain.ParticipantID, producerID string, reply Reply) error {
	c.mu.Lock()
	p, ok := c.roster[id]
	if !ok {
		c.mu.Unlock()
		return core.ErrParticipantNotFound
	}
	prod, err := p.takeProducer(producerID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	peers := c.othersLocked(p)
	c.mu.Unlock()

	closed := p.releaseProducer(prod, peers)

	return c.commit(func(o *outbox) error {
		c.publishProducerClosedLocked(o, p.ID, producerID, closed, peers)
		if reply != nil {
			reply(nil)
		}
		return nil
	})
}

// CloseConsumer closes one of id's own consumers. Nobody else is affected.
func (c *Conference) CloseConsumer(id domain.ParticipantID, consumerID string) error {
	p, err := c.member(id)
	if err != nil {
		return err
	}
	_, err = p.CloseConsumer(consumerID)
	return err
}

// ---------- operator ----------

// Broadcast sends a notification to every member.
func (c *Conference) Broadcast(event protocol.Event, data any) int {
	n := 0
	_ = c.commit(func(o *outbox) error {
		members := c.othersLocked(nil)
		n = len(members)
		o.notify(members, event, data)
		return nil
	})
	return n
}

func (c *Conference) SendTo(id domain.ParticipantID, event protocol.Event, data any) error {
	return c.commit(func(o *outbox) error {
		p, ok := c.roster[id]
		if !ok {
			return core.ErrParticipantNotFound
		}
		o.send(p, encodeNotification(event, data))
		return nil
	})
}

// Close disbands the conference: every member receives conferenceClosed and
// loses its resources, then the router is closed. It returns the former members.
func (c *Conference) Close(reason string) []*Participant {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	members := c.othersLocked(nil)
	o := &outbox{}
	o.notify(members, protocol.EventConferenceClosed, protocol.ConferenceClosedData{ConferenceID: string(c.ID), Reason: reason})
	resources := make([]participantResources, len(members))
	for i, p := range members {
		resources[i] = p.shutdown()
	}
	c.roster = make(map[domain.ParticipantID]*Participant)
	c.mu.Unlock()

	for i, p := range members {
		p.release(resources[i], nil)
	}
	c.teardown(reason)
	return members
}

type ConferenceSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	WorkerPID    int       `json:"workerPid"`
	RouterID     string    `json:"routerId"`
	Participants int       `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

type ConferenceInfo struct {
	ConferenceSummary
	Members []protocol.ParticipantInfo `json:"members"`
}

func (c *Conference) Summary() ConferenceSummary {
	return ConferenceSummary{
		ID:           string(c.ID),
		Name:         c.Name,
		WorkerPID:    c.WorkerPID,
		RouterID:     c.router.ID(),
		Participants: c.Size(),
		CreatedAt:    c.CreatedAt,
	}
}

func (c *Conference) Info() ConferenceInfo {
	members := c.Participants()
	info := ConferenceInfo{ConferenceSummary: c.Summary(), Members: make([]protocol.ParticipantInfo, 0, len(members))}
	for _, p := range members {
		info.Members = append(info.Members, p.Info())
	}
	return info
}
