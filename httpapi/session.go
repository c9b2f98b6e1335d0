package httpapi

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/jsonview/linkcodec"
	"github.com/hazyhaar/jsonview/route"
)

// A session is one browser tab. The client reports its navigation events and
// text edits; the server answers with history instructions and adopted text,
// so the route synchronizer runs server-side with the tab as its Navigator.
//
// Client -> server:
//
//	{"type":"hello","fragment":"#/..."}     first message, current fragment
//	{"type":"text_changed","text":"..."}
//	{"type":"force_push"}
//	{"type":"fragment_changed","fragment":"#/..."}
//	{"type":"popstate","text":"..."}        history payload, verbatim
//
// Server -> client:
//
//	{"type":"replace_state","state":"...","fragment":"#/..."}
//	{"type":"push_state","state":"...","fragment":"#/..."}
//	{"type":"set_text","text":"...","initiallyFocusedPath":[...]}
type sessionInbound struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Fragment string `json:"fragment,omitempty"`
}

type sessionOutbound struct {
	Type                 string   `json:"type"`
	State                string   `json:"state,omitempty"`
	Fragment             string   `json:"fragment,omitempty"`
	Text                 string   `json:"text,omitempty"`
	InitiallyFocusedPath []string `json:"initiallyFocusedPath,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsNavigator adapts one websocket session to route.Navigator. Writes go out
// as history instructions and never loop back into the fragment-change
// channel, which carries only events the client reported.
type wsNavigator struct {
	send func(sessionOutbound)

	mu       sync.Mutex
	fragment string

	fragments chan string
	popStates chan string
}

func newWSNavigator(fragment string, send func(sessionOutbound)) *wsNavigator {
	return &wsNavigator{
		send:      send,
		fragment:  fragment,
		fragments: make(chan string, 8),
		popStates: make(chan string, 8),
	}
}

func (n *wsNavigator) Fragment() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fragment
}

func (n *wsNavigator) setFragment(fragment string) {
	n.mu.Lock()
	n.fragment = fragment
	n.mu.Unlock()
}

func (n *wsNavigator) ReplaceState(state, fragment string) {
	n.setFragment(fragment)
	n.send(sessionOutbound{Type: "replace_state", State: state, Fragment: fragment})
}

func (n *wsNavigator) PushState(state, fragment string) {
	n.setFragment(fragment)
	n.send(sessionOutbound{Type: "push_state", State: state, Fragment: fragment})
}

func (n *wsNavigator) FragmentChanges() <-chan string { return n.fragments }
func (n *wsNavigator) PopStates() <-chan string       { return n.popStates }

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("httpapi: session upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var hello sessionInbound
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "hello" {
		s.logger.Warn("httpapi: session did not start with hello", "error", err)
		return
	}

	// gorilla/websocket allows one concurrent writer; serialize sends.
	var writeMu sync.Mutex
	send := func(m sessionOutbound) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(m); err != nil {
			s.logger.Debug("httpapi: session write failed", "error", err)
		}
	}

	nav := newWSNavigator(hello.Fragment, send)
	rs := route.New(nav, s.codec, func(state linkcodec.RouteState) {
		send(sessionOutbound{
			Type:                 "set_text",
			Text:                 state.Text,
			InitiallyFocusedPath: state.InitiallyFocusedPath,
		})
	}, route.WithLogger(s.logger))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go rs.Run(ctx)

	for {
		var msg sessionInbound
		if err := conn.ReadJSON(&msg); err != nil {
			return // tab closed
		}
		switch msg.Type {
		case "text_changed":
			if err := rs.TextChanged(ctx, msg.Text); err != nil {
				s.logger.Error("httpapi: session text change", "error", err)
			}
		case "force_push":
			rs.ForcePush()
		case "fragment_changed":
			nav.setFragment(msg.Fragment)
			select {
			case nav.fragments <- msg.Fragment:
			default:
				s.logger.Warn("httpapi: session fragment event dropped")
			}
		case "popstate":
			select {
			case nav.popStates <- msg.Text:
			default:
				s.logger.Warn("httpapi: session popstate event dropped")
			}
		default:
			s.logger.Warn("httpapi: session unknown message", "type", msg.Type)
		}
	}
}
