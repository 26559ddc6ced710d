package websocket

import (
	"github.com/labstack/echo/v4"
)

// Handler upgrades "/ws" and serves the host until it disconnects. The JWT
// middleware puts user_id and device_id on the echo context.
func (s *Server) Handler(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	userID, _ := c.Get("user_id").(int)
	deviceID, _ := c.Get("device_id").(string)

	host := NewClient(conn, userID, deviceID, s.handleCommand)
	if sid := s.currentSession(); sid != "" {
		host.Send(Event{Type: EventSession, SessionID: sid})
	}
	s.hub.Register(host)
	defer s.hub.Unregister(host)

	host.Run()
	return nil
}
