package websocket

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/satriahrh/professor-bot/domain"
	"github.com/satriahrh/professor-bot/usecase"
)

type Server struct {
	upgrader      websocket.Upgrader
	svc           *usecase.ChatService
	messageBroker domain.MessageBroker
	hub           *Hub
}

// NewServer builds the socket transport. checkOrigin may be nil to accept
// every origin.
func NewServer(svc *usecase.ChatService, messageBroker domain.MessageBroker, checkOrigin func(r *http.Request) bool) *Server {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Server{
		upgrader:      websocket.Upgrader{CheckOrigin: checkOrigin},
		svc:           svc,
		messageBroker: messageBroker,
		hub:           NewHub(),
	}
}

// RunWebsocketHub blocks until ctx is done.
func (s *Server) RunWebsocketHub(ctx context.Context) {
	s.hub.Run(ctx)
}

func (s *Server) GetHub() *Hub {
	return s.hub
}
