package router

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

type SessionSettings struct {
	PollingInterval   time.Duration
	RerunInterval     time.Duration
	OffloadTimeout    time.Duration
	WriteTimeout      time.Duration
	ChannelBufferSize int
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		// Meteor's default publication poll cadence.
		PollingInterval:   10 * time.Second,
		RerunInterval:     0,
		OffloadTimeout:    5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ChannelBufferSize: 64,
	}
}

// Session supervises one client connection and its paired upstream
// connection. Four reader/writer goroutines and one goroutine per reactive
// source all funnel into run's event loop, the single place where the
// mergebox and the subscription registry are touched. Any socket error,
// source failure or mergebox violation tears the whole session down; there
// is no resumption.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	id       string
	client   *websocket.Conn
	server   *websocket.Conn
	database *mongo.Database
	settings *SessionSettings

	clientIn  chan *Message
	serverIn  chan *Message
	clientOut chan *Message
	serverOut chan *Message

	sourceEvents chan *SourceEvent
	timeouts     chan string
	failures     chan error

	mergebox      *Mergebox
	inflights     *Inflights
	subscriptions map[string]*Subscription
}

func NewSession(
	ctx context.Context,
	id string,
	client *websocket.Conn,
	server *websocket.Conn,
	database *mongo.Database,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:           cancelCtx,
		cancel:        cancel,
		id:            id,
		client:        client,
		server:        server,
		database:      database,
		settings:      settings,
		clientIn:      make(chan *Message, settings.ChannelBufferSize),
		serverIn:      make(chan *Message, settings.ChannelBufferSize),
		clientOut:     make(chan *Message, settings.ChannelBufferSize),
		serverOut:     make(chan *Message, settings.ChannelBufferSize),
		sourceEvents:  make(chan *SourceEvent, settings.ChannelBufferSize),
		timeouts:      make(chan string, settings.ChannelBufferSize),
		failures:      make(chan error, 8),
		mergebox:      NewMergebox(),
		inflights:     NewInflights(),
		subscriptions: map[string]*Subscription{},
	}
}

// Run relays frames until either socket fails or a fatal error surfaces.
// It always returns with both sockets closed and every owned task stopped.
func (self *Session) Run() error {
	defer self.cancel()
	defer self.client.Close()
	defer self.server.Close()
	defer func() {
		for _, subscription := range self.subscriptions {
			if subscription.cancel != nil {
				subscription.cancel()
			}
		}
	}()

	go self.readLoop(self.client, self.clientIn, "client")
	go self.readLoop(self.server, self.serverIn, "server")
	go self.writeLoop(self.client, self.clientOut, "client")
	go self.writeLoop(self.server, self.serverOut, "server")

	for {
		select {
		case <-self.ctx.Done():
			return nil
		case err := <-self.failures:
			return err
		case message := <-self.clientIn:
			if err := self.handleClientMessage(message); err != nil {
				return err
			}
		case message := <-self.serverIn:
			if err := self.handleServerMessage(message); err != nil {
				return err
			}
		case event := <-self.sourceEvents:
			if err := self.handleSourceEvent(event); err != nil {
				return err
			}
		case methodId := <-self.timeouts:
			if err := self.handleOffloadTimeout(methodId); err != nil {
				return err
			}
		}
	}
}

func (self *Session) readLoop(ws *websocket.Conn, sink chan<- *Message, peer string) {
	defer self.cancel()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if self.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				self.fail(fmt.Errorf("%s socket: %w", peer, err))
			}
			return
		}
		message, err := ParseMessage(data)
		if err != nil {
			self.fail(fmt.Errorf("%s socket: %w", peer, err))
			return
		}
		glog.V(2).Infof("[s]%s %s -> router %s\n", self.id, peer, message.Msg)
		select {
		case sink <- message:
		case <-self.ctx.Done():
			return
		}
	}
}

func (self *Session) writeLoop(ws *websocket.Conn, source <-chan *Message, peer string) {
	defer self.cancel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-source:
			data, err := message.Encode()
			if err != nil {
				self.fail(fmt.Errorf("%s socket: %w", peer, err))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				if self.ctx.Err() == nil {
					self.fail(fmt.Errorf("%s socket: %w", peer, err))
				}
				return
			}
			glog.V(2).Infof("[s]%s router -> %s %s\n", self.id, peer, message.Msg)
		}
	}
}

func (self *Session) fail(err error) {
	select {
	case self.failures <- err:
	default:
	}
	self.cancel()
}

func (self *Session) writeClient(message *Message) error {
	select {
	case self.clientOut <- message:
		return nil
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
}

func (self *Session) writeServer(message *Message) error {
	select {
	case self.serverOut <- message:
		return nil
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
}

func (self *Session) flushMergebox() error {
	for _, message := range self.mergebox.Flush() {
		if err := self.writeClient(message); err != nil {
			return err
		}
	}
	return nil
}

func (self *Session) handleClientMessage(message *Message) error {
	switch message.Msg {
	case MsgSub:
		return self.handleSub(message)
	case MsgUnsub:
		return self.handleUnsub(message)
	default:
		// Methods, heartbeats and the connect handshake pass through.
		return self.writeServer(message)
	}
}

// handleSub intercepts the subscription: instead of forwarding it, the
// sibling __subscription__ method is called with a router-private id. The
// decision to offload is made when its result arrives.
func (self *Session) handleSub(message *Message) error {
	subId, err := message.StringId()
	if err != nil {
		return err
	}
	if message.Name == "" {
		return fmt.Errorf("sub %s without name", subId)
	}

	methodId := NewMethodId()
	self.inflights.Register(methodId, &Inflight{
		SubId:  subId,
		Name:   message.Name,
		Params: message.Params,
	})
	time.AfterFunc(self.settings.OffloadTimeout, func() {
		select {
		case self.timeouts <- methodId:
		case <-self.ctx.Done():
		}
	})

	return self.writeServer(&Message{
		Msg:    MsgMethod,
		Id:     methodId,
		Method: "__subscription__" + message.Name,
		Params: message.Params,
	})
}

func (self *Session) handleUnsub(message *Message) error {
	subId, err := message.StringId()
	if err != nil {
		return err
	}

	if subscription, ok := self.subscriptions[subId]; ok {
		delete(self.subscriptions, subId)
		if err := self.stopSubscription(subscription); err != nil {
			return err
		}
		if err := self.flushMergebox(); err != nil {
			return err
		}
		return self.writeClient(&Message{Msg: MsgNosub, Id: subId})
	}

	if self.inflights.Cancel(subId) {
		// The offload has not resolved yet; the server never saw this sub.
		return self.writeClient(&Message{Msg: MsgNosub, Id: subId})
	}

	return self.writeServer(message)
}

func (self *Session) handleServerMessage(message *Message) error {
	switch message.Msg {
	case MsgResult:
		return self.handleResult(message)
	case MsgUpdated:
		return self.handleUpdated(message)
	case MsgAdded, MsgAddedBefore:
		if message.Msg == MsgAddedBefore {
			// The mergebox view is unordered; the position is dropped.
			glog.V(2).Infof("[s]%s addedBefore of %s treated as added\n", self.id, message.Collection)
		}
		if err := self.mergebox.ServerAdded(message.Collection, message.Id, message.Fields); err != nil {
			return err
		}
		return self.flushMergebox()
	case MsgChanged:
		if err := self.mergebox.ServerChanged(message.Collection, message.Id, message.Fields, message.Cleared); err != nil {
			return err
		}
		return self.flushMergebox()
	case MsgRemoved:
		if err := self.mergebox.ServerRemoved(message.Collection, message.Id); err != nil {
			return err
		}
		return self.flushMergebox()
	default:
		// connected, failed, ready, nosub, movedBefore, ping, pong, error.
		return self.writeClient(message)
	}
}

// handleResult consumes results of router-originated method calls; client
// method results pass through.
func (self *Session) handleResult(message *Message) error {
	methodId, ok := message.Id.(string)
	if !ok {
		return self.writeClient(message)
	}
	inflight, ours := self.inflights.ProcessResult(methodId)
	if !ours {
		return self.writeClient(message)
	}
	if inflight == nil || inflight.TimedOut {
		return nil
	}
	if inflight.Cancelled {
		glog.V(2).Infof("[s]%s offload of %s cancelled before result\n", self.id, inflight.SubId)
		return nil
	}
	return self.resolveOffload(inflight, message.Error, message.Result)
}

func (self *Session) handleUpdated(message *Message) error {
	remaining := make([]string, 0, len(message.Methods))
	for _, methodId := range message.Methods {
		if !self.inflights.ProcessUpdate(methodId) {
			remaining = append(remaining, methodId)
		}
	}
	if len(remaining) == 0 {
		return nil
	}
	return self.writeClient(&Message{Msg: MsgUpdated, Methods: remaining})
}

func (self *Session) handleOffloadTimeout(methodId string) error {
	inflight := self.inflights.MarkTimedOut(methodId)
	if inflight == nil {
		return nil
	}
	glog.Infof("[s]%s offload of %s (%s) timed out\n", self.id, inflight.SubId, inflight.Name)
	return self.declineOffload(inflight)
}

// resolveOffload decides the subscription's fate from the sibling method's
// result: a parsed list of cursor descriptions starts local sources, any
// failure falls back to a plain upstream sub.
func (self *Session) resolveOffload(inflight *Inflight, errorValue any, result any) error {
	if errorValue != nil {
		if reason := errorReason(errorValue); reason == fmt.Sprintf("Method '__subscription__%s' not found", inflight.Name) {
			glog.Infof("[s]%s publication for %s is not registered\n", self.id, inflight.Name)
		} else {
			glog.Infof("[s]%s offload of %s failed: %v\n", self.id, inflight.Name, errorValue)
		}
		return self.declineOffload(inflight)
	}

	descriptions, err := ParseCursorDescriptions(result)
	if err != nil {
		glog.Infof("[s]%s offload of %s declined: %s\n", self.id, inflight.Name, err)
		return self.declineOffload(inflight)
	}

	subscription := newSubscription(inflight.SubId, inflight.Name, inflight.Params, descriptions)
	glog.V(1).Infof("[s]%s offloaded %s with %d cursors\n", self.id, inflight.Name, len(subscription.Cursors))
	self.subscriptions[inflight.SubId] = subscription
	self.startSubscription(subscription)
	return nil
}

func (self *Session) declineOffload(inflight *Inflight) error {
	return self.writeServer(&Message{
		Msg:    MsgSub,
		Id:     inflight.SubId,
		Name:   inflight.Name,
		Params: inflight.Params,
	})
}

func errorReason(errorValue any) string {
	document, ok := errorValue.(map[string]any)
	if !ok {
		return ""
	}
	reason, _ := document["reason"].(string)
	return reason
}
