package sim

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/example/ridesync/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS runs the push channel: the first frame must be auth, then the
// connection joins the identity's own room and serves client events until
// it drops.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}

	identity, ok := s.wsHandshake(ws)
	if !ok {
		_ = ws.Close()
		return
	}

	s.hub.Add(identity.Subject, ws)
	s.hub.Join(identity.Subject, userRoom(identity.Subject))
	s.log.Info("ws connected", "identity", identity.Subject, "role", identity.Role)

	defer func() {
		s.hub.Remove(identity.Subject, ws)
		_ = ws.Close()
		s.log.Info("ws disconnected", "identity", identity.Subject)
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, payload, err := events.Decode(raw)
		if err != nil {
			s.log.Debug("bad client frame dropped", "event", env.Event, "error", err)
			continue
		}
		s.handleClientEvent(identity, env.Event, payload)
	}
}

func (s *Server) wsHandshake(ws *websocket.Conn) (Identity, bool) {
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return Identity{}, false
	}
	env, payload, err := events.Decode(raw)
	if err != nil || env.Event != events.Auth {
		s.wsReply(ws, events.AuthError, events.AuthResultPayload{Reason: "auth frame expected"})
		return Identity{}, false
	}
	auth := payload.(events.AuthPayload)
	id, err := VerifyToken(s.secret, auth.Token)
	if err != nil {
		s.wsReply(ws, events.AuthError, events.AuthResultPayload{Reason: "invalid token"})
		return Identity{}, false
	}
	s.wsReply(ws, events.AuthOK, events.AuthResultPayload{Identity: id.Subject})
	return id, true
}

func (s *Server) wsReply(ws *websocket.Conn, name events.Name, payload any) {
	frame, err := events.Encode(name, payload)
	if err != nil {
		return
	}
	_ = ws.WriteMessage(websocket.TextMessage, frame)
}

func (s *Server) handleClientEvent(id Identity, name events.Name, payload any) {
	switch name {
	case events.JoinRoom:
		s.hub.Join(id.Subject, payload.(events.RoomPayload).Room)
	case events.LeaveRoom:
		s.hub.Leave(id.Subject, payload.(events.RoomPayload).Room)
	case events.RequestRide:
		req := payload.(events.RideRequestPayload)
		// The identity on the socket is authoritative, not the payload.
		req.PassengerID = id.Subject
		s.createAndMatch(req)
	case events.CancelRideRequest:
		p := payload.(events.CancelPayload)
		s.cancelByPassenger(p.RideID, id.Subject)
	case events.DriverAcceptsRide:
		p := payload.(events.OfferResponsePayload)
		if _, err := s.acceptRide(p.RideID, id.Subject); err != nil {
			s.log.Info("accept refused", "ride_id", p.RideID, "driver_id", id.Subject, "error", err)
		}
	case events.DriverRejectsRide:
		p := payload.(events.OfferResponsePayload)
		s.rejectRide(p.RideID, id.Subject)
	case events.DriverSetUnavailable:
		s.setAvailability(id.Subject, false)
	case events.DriverLocationUpdate:
		p := payload.(events.LocationPayload)
		p.DriverID = id.Subject
		s.onDriverLocation(p)
	case events.RideStatusUpdate:
		p := payload.(events.StatusPayload)
		if _, err := s.updateStatus(p.RideID, id.Subject, p.Status); err != nil {
			s.log.Info("status update refused", "ride_id", p.RideID, "error", err)
		}
	default:
		s.log.Debug("client event ignored", "event", name)
	}
}
