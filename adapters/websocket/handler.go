package websocket

import (
	"github.com/labstack/echo/v4"

	"github.com/satriahrh/professor-bot/adapters/auth"
)

// Handler upgrades "/ws" requests. It must sit behind auth.TokenIssuer's
// middleware so the session ID is known.
func (s *Server) Handler(c echo.Context) error {
	session, err := s.svc.Session(c.Get(auth.SessionIDKey).(string))
	if err != nil {
		return echo.ErrNotFound
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, session, s.messageBroker)
	if err := client.Run(); err != nil {
		return err
	}
	s.hub.Register(client)

	// Register cleanup when client is done
	defer func() {
		s.hub.Unregister(client)
		client.Wait()
	}()

	// Wait for the client context to be done (connection closed)
	<-client.Context().Done()

	return nil
}
