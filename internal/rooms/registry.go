package rooms

import (
	"fmt"

	"github.com/rickgao/cable/internal/channel"
)

// Handler names accepted in router.routes[].handler.
const (
	HandlerChat  = "chat"
	HandlerLobby = "lobby"
)

// Factory returns the channel.Factory registered under name.
func Factory(name string, p Presence) (channel.Factory, error) {
	switch name {
	case HandlerChat:
		return NewChatRoom, nil
	case HandlerLobby:
		if p == nil {
			return nil, fmt.Errorf("handler %q needs a presence source", name)
		}
		return LobbyFactory(p), nil
	default:
		return nil, fmt.Errorf("unknown handler %q", name)
	}
}
