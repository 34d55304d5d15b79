package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/avereha/podmanager/pkg/dose"
	"github.com/avereha/podmanager/pkg/manager"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const writeTimeout = time.Second

// Server exposes the manager over a websocket: it pushes status and
// reservoir changes to every client and runs the commands they send.
type Server struct {
	manager    *manager.Manager
	observerID manager.ObserverID

	mtx     sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	mtx  sync.Mutex
	conn *websocket.Conn
}

func (c *client) send(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Status is the JSON form of manager.Status
type Status struct {
	TimeZone         string   `json:"timeZone"`
	Device           string   `json:"device"`
	FirmwareVersion  string   `json:"firmwareVersion,omitempty"`
	Suspended        bool     `json:"suspended"`
	Bolusing         bool     `json:"bolusing"`
	TempBasalRunning bool     `json:"tempBasalRunning"`
	ReservoirLevel   *float64 `json:"reservoirLevel,omitempty"`
}

func newStatus(s manager.Status) *Status {
	return &Status{
		TimeZone:         s.TimeZone,
		Device:           s.Device.LocalIdentifier,
		FirmwareVersion:  s.Device.FirmwareVersion,
		Suspended:        s.IsSuspended,
		Bolusing:         s.IsBolusing,
		TempBasalRunning: s.IsTempBasalRunning,
		ReservoirLevel:   s.ReservoirLevel,
	}
}

type Reservoir struct {
	Units float64   `json:"units"`
	Level float64   `json:"level"`
	Time  time.Time `json:"time"`
}

// Event is every message the server writes
type Event struct {
	Type      string     `json:"type"` // status, reservoir or result
	Status    *Status    `json:"status,omitempty"`
	Reservoir *Reservoir `json:"reservoir,omitempty"`
	Command   string     `json:"command,omitempty"`
	Error     string     `json:"error,omitempty"`
	Dose      *dose.Dose `json:"dose,omitempty"`
}

// Command is every message the server reads
type Command struct {
	Command string  `json:"command"`
	Value   float64 `json:"value"`
	Minutes float64 `json:"minutes"`
}

func New(m *manager.Manager) *Server {
	ret := &Server{
		manager: m,
		clients: make(map[*client]struct{}),
	}
	ret.observerID = m.AddObserver(ret)
	return ret
}

// Close stops the notifications; open connections are left to the http server
func (s *Server) Close() {
	s.manager.RemoveObserver(s.observerID)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "This is the pod manager API, connect a websocket to /ws.")
	})
	mux.Handle("/ws", s)
	return mux
}

// ListenAndServe runs until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Infof("Pod manager api listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) broadcast(event Event) {
	s.mtx.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mtx.Unlock()

	for _, c := range clients {
		if err := c.send(event); err != nil {
			log.Warnf("Websocket write: %v", err)
		}
	}
}

func (s *Server) PumpStatusDidChange(status manager.Status) {
	s.broadcast(Event{Type: "status", Status: newStatus(status)})
}

func (s *Server) ReservoirVolumeDidChange(reading manager.ReservoirReading) {
	s.broadcast(Event{Type: "reservoir", Reservoir: &Reservoir{Units: reading.Units, Level: reading.Level, Time: reading.Time}})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("Websocket upgrade: %v", err)
		return
	}
	c := &client{conn: ws}
	s.mtx.Lock()
	s.clients[c] = struct{}{}
	s.mtx.Unlock()
	defer func() {
		s.mtx.Lock()
		delete(s.clients, c)
		s.mtx.Unlock()
		ws.Close()
	}()

	// Send current state initially
	if err := c.send(Event{Type: "status", Status: newStatus(s.manager.Status())}); err != nil {
		log.Warnf("Websocket write: %v", err)
		return
	}
	s.reader(r.Context(), c)
}

func (s *Server) reader(ctx context.Context, c *client) {
	for {
		_, p, err := c.conn.ReadMessage()
		if err != nil {
			log.Debugf("Websocket closed: %v", err)
			return
		}
		log.Debugf("Received: %s", p)
		result := s.handleCommand(ctx, p)
		if err := c.send(result); err != nil {
			log.Warnf("Websocket write: %v", err)
			return
		}
	}
}

func (s *Server) handleCommand(ctx context.Context, data []byte) Event {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Event{Type: "result", Error: fmt.Sprintf("invalid command: %v", err)}
	}
	ret := Event{Type: "result", Command: cmd.Command}

	var err error
	switch cmd.Command {
	case "bolus":
		err = s.manager.EnactBolus(ctx, cmd.Value, nil)
	case "tempBasal":
		var d dose.Dose
		d, err = s.manager.EnactTempBasal(ctx, cmd.Value, time.Duration(cmd.Minutes*float64(time.Minute)))
		if err == nil {
			ret.Dose = &d
		}
	case "suspend":
		_, err = s.manager.SuspendDelivery(ctx)
	case "resume":
		_, err = s.manager.ResumeDelivery(ctx)
	case "refresh":
		s.manager.AssertCurrentData(ctx)
		ret.Status = newStatus(s.manager.Status())
	default:
		err = fmt.Errorf("unknown command %q", cmd.Command)
	}
	if err != nil {
		log.Infof("Command %s failed: %v", cmd.Command, err)
		ret.Error = err.Error()
	}
	return ret
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,

	// the api is meant for a local web client; allow any origin
	CheckOrigin: func(r *http.Request) bool { return true },
}
