package router

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Router accepts DDP clients and pairs each with its own upstream
// connection to the Meteor server. The MongoDB client is the only resource
// shared across sessions; the driver synchronizes it internally.
type Router struct {
	settings        *Settings
	sessionSettings *SessionSettings
	mongoClient     *mongo.Client
	database        *mongo.Database
	upgrader        websocket.Upgrader
}

func NewRouter(settings *Settings) (*Router, error) {
	databaseName, err := databaseFromUrl(settings.MongoUrl)
	if err != nil {
		return nil, err
	}

	mongoClient, err := mongo.Connect(options.Client().ApplyURI(settings.MongoUrl))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	return &Router{
		settings:        settings,
		sessionSettings: settings.SessionSettings(),
		mongoClient:     mongoClient,
		database:        mongoClient.Database(databaseName),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}, nil
}

func databaseFromUrl(mongoUrl string) (string, error) {
	parsed, err := url.Parse(mongoUrl)
	if err != nil {
		return "", fmt.Errorf("mongo url: %w", err)
	}
	name := strings.TrimPrefix(parsed.Path, "/")
	if name == "" {
		return "", fmt.Errorf("mongo url did not specify the database")
	}
	return name, nil
}

// Run serves the listen address until the context is done. A listener
// failure is returned; context cancellation is a clean shutdown.
func (self *Router) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    self.settings.RouterUrl,
		Handler: self,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errors := make(chan error, 1)
	go func() {
		errors <- server.ListenAndServe()
	}()

	glog.Infof("[router] started at %s\n", self.settings.RouterUrl)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		self.mongoClient.Disconnect(context.Background())
		return nil
	case err := <-errors:
		self.mongoClient.Disconnect(context.Background())
		return fmt.Errorf("listener: %w", err)
	}
}

// ServeHTTP handles one client: upgrade, dial upstream, run the session to
// completion. The handler goroutine is the session's event loop.
func (self *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionId := NewSessionId()

	client, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]%s upgrade failed: %s\n", sessionId, err)
		return
	}

	server, _, err := websocket.DefaultDialer.DialContext(r.Context(), self.settings.MeteorUrl, nil)
	if err != nil {
		glog.Infof("[s]%s upstream dial failed: %s\n", sessionId, err)
		client.Close()
		return
	}

	glog.V(1).Infof("[s]%s session started\n", sessionId)
	session := NewSession(r.Context(), sessionId, client, server, self.database, self.sessionSettings)
	if err := session.Run(); err != nil {
		glog.Errorf("[s]%s session failed: %s\n", sessionId, err)
		return
	}
	glog.V(1).Infof("[s]%s session closed\n", sessionId)
}

func millisDuration(millis int64) time.Duration {
	return time.Duration(millis) * time.Millisecond
}
