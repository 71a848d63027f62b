package main

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"civicpulse/libs/location"
	"civicpulse/libs/mapview"
)

const (
	frameInit    = "init"
	frameView    = "view"
	frameMarkers = "markers"
	frameState   = "state"
	frameNotice  = "notice"
	frameError   = "error"
	framePing    = "ping"

	frameClick        = "click"
	frameMoveEnd      = "moveend"
	frameCenterOnUser = "center_on_user"
	frameFlyTo        = "fly_to"

	socketSendBuffer   = 256
	socketPingInterval = 54 * time.Second
	socketReadLimit    = 4096
)

// mapFrame is the single message shape on the map socket, both directions.
type mapFrame struct {
	Type      string           `json:"type"`
	RequestID string           `json:"requestId,omitempty"`
	Center    *location.Point  `json:"center,omitempty"`
	Zoom      int              `json:"zoom,omitempty"`
	Animate   bool             `json:"animate,omitempty"`
	Point     *location.Point  `json:"point,omitempty"`
	Markers   []mapview.Marker `json:"markers,omitempty"`
	State     *location.State  `json:"state,omitempty"`
	Notice    string           `json:"notice,omitempty"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type mapSocketClient struct {
	app     *App
	session *mapSession
	conn    *websocket.Conn
	out     chan mapFrame

	closeOnce   sync.Once
	done        chan struct{}
	unsubscribe func()
}

type mapFrameHandler func(c *mapSocketClient, frame mapFrame) error

var mapFrameHandlers = map[string]mapFrameHandler{
	frameClick:        handleClickFrame,
	frameMoveEnd:      handleMoveEndFrame,
	frameCenterOnUser: handleCenterOnUserFrame,
	frameFlyTo:        handleFlyToFrame,
}

func (a *App) mapSocketUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || a.isAllowedCORSOrigin(origin)
		},
	}
}

// mapSocketHandler attaches a browser map to the session. Store changes flow
// out as view and markers frames; clicks and pans flow in.
func (a *App) mapSocketHandler(c *gin.Context) {
	session := getMapSession(c)
	upgrader := a.mapSocketUpgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.log.Warn("map socket upgrade failed", "session", session.ID, "err", err)
		return
	}

	client := &mapSocketClient{
		app:     a,
		session: session,
		conn:    conn,
		out:     make(chan mapFrame, socketSendBuffer),
		done:    make(chan struct{}),
	}

	st := session.store.Snapshot()
	client.send(mapFrame{Type: frameInit, State: &st})

	client.unsubscribe = session.store.Subscribe(func(ev location.Event) {
		if ev.Kind == location.EventChanged {
			st := ev.State
			client.send(mapFrame{Type: frameState, State: &st})
		}
	})

	go client.writePump()
	session.attach(client)
	client.readPump()
}

// send queues a frame without blocking the store's event delivery. Frames
// are dropped for a client that is not keeping up.
func (c *mapSocketClient) send(frame mapFrame) bool {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		c.app.log.Warn("map socket send buffer full", "session", c.session.ID, "type", frame.Type)
		return false
	}
}

func (c *mapSocketClient) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.session.detach(c)
		_ = c.conn.Close()
	})
}

func (c *mapSocketClient) writePump() {
	ticker := time.NewTicker(socketPingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			if err := c.conn.WriteJSON(frame); err != nil {
				c.app.log.Debug("map socket write failed", "session", c.session.ID, "err", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteJSON(mapFrame{Type: framePing, Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

func (c *mapSocketClient) readPump() {
	defer c.shutdown()
	c.conn.SetReadLimit(socketReadLimit)

	for {
		var frame mapFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.app.log.Warn("map socket read failed", "session", c.session.ID, "err", err)
			}
			return
		}
		c.session.touch(time.Now())

		if err := c.handleFrame(frame); err != nil {
			c.send(mapFrame{Type: frameError, RequestID: frame.RequestID, Message: err.Error()})
		}
	}
}

func (c *mapSocketClient) handleFrame(frame mapFrame) error {
	handler, ok := mapFrameHandlers[frame.Type]
	if !ok {
		return fmt.Errorf("unknown message type: %s", frame.Type)
	}
	return handler(c, frame)
}

var errFramePointRequired = errors.New("point is required")

func handleClickFrame(c *mapSocketClient, frame mapFrame) error {
	if frame.Point == nil {
		return errFramePointRequired
	}
	forwarded, err := c.session.view.Click(*frame.Point)
	if err != nil {
		return err
	}
	if !forwarded {
		return errors.New("selection is disabled for this map")
	}
	mapClicksTotal.Inc()
	return nil
}

func handleMoveEndFrame(c *mapSocketClient, frame mapFrame) error {
	if frame.Center == nil {
		return errors.New("center is required")
	}
	if err := frame.Center.Validate(); err != nil {
		return err
	}
	c.session.view.Pan(*frame.Center, frame.Zoom)
	return nil
}

func handleCenterOnUserFrame(c *mapSocketClient, frame mapFrame) error {
	if !c.session.store.CenterOnUserLocation() {
		return errors.New("user location unknown")
	}
	return nil
}

func handleFlyToFrame(c *mapSocketClient, frame mapFrame) error {
	if frame.Point == nil {
		return errFramePointRequired
	}
	if err := frame.Point.Validate(); err != nil {
		return err
	}
	if !c.session.store.FlyTo(*frame.Point, frame.Zoom) {
		return errors.New("map is not ready")
	}
	return nil
}
