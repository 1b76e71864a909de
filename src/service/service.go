package service

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/mosaicnetworks/stxt/src/message"
	"github.com/mosaicnetworks/stxt/src/node"
	"github.com/sirupsen/logrus"
)

// Service exposes a read-only HTTP API over a running node.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	mux         *http.ServeMux
	logger      *logrus.Entry
}

// GroupInfo summarises a stored group.
type GroupInfo struct {
	ID        string `json:"id"`
	Envelopes int    `json:"envelopes"`
	Agent     bool   `json:"agent"`
}

// MessageInfo is the JSON view of a decrypted message.
type MessageInfo struct {
	ID      string       `json:"id"`
	Parents []string     `json:"parents"`
	From    string       `json:"from"`
	Kind    string       `json:"kind"`
	Body    message.Body `json:"body"`
	Time    int64        `json:"time"`
}

// GroupView is what /group/<gid> returns for a group the peer has an agent
// for.
type GroupView struct {
	ID       string                       `json:"id"`
	Next     string                       `json:"next"`
	Messages []MessageInfo                `json:"messages"`
	State    map[string]map[string]string `json:"state"`
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		mux:         http.NewServeMux(),
		logger:      logger.WithField("prefix", "service"),
	}

	service.registerHandlers()

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
	s.mux.HandleFunc("/groups", s.makeHandler(s.GetGroups))
	s.mux.HandleFunc("/group/", s.makeHandler(s.GetGroup))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Handler returns the service's request multiplexer.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	err := http.ListenAndServe(s.bindAddress, s.mux)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.GetStats())
}

// GetGroups lists every stored group.
func (s *Service) GetGroups(w http.ResponseWriter, r *http.Request) {
	p := s.node.GetPeer()

	gids, err := p.ListGroups()
	if err != nil {
		s.logger.WithError(err).Error("Listing groups")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sort.Strings(gids)

	res := make([]GroupInfo, 0, len(gids))
	for _, gid := range gids {
		g, err := p.GetGroup(gid)
		if err != nil {
			s.logger.WithError(err).Errorf("Retrieving group %s", gid)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hasAgent, err := p.HasAgent(gid)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		res = append(res, GroupInfo{ID: gid, Envelopes: g.Len(), Agent: hasAgent})
	}

	writeJSON(w, res)
}

// GetGroup returns the ordered messages and current state of one group.
// The kind query parameter keeps messages of that kind only.
func (s *Service) GetGroup(w http.ResponseWriter, r *http.Request) {
	gid := strings.TrimPrefix(r.URL.Path, "/group/")
	p := s.node.GetPeer()

	hasAgent, err := p.HasAgent(gid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !hasAgent {
		http.Error(w, "no agent for group "+gid, http.StatusNotFound)
		return
	}

	a, err := p.GetAgent(gid)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving agent %s", gid)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	msgs := a.Messages()
	if k := r.URL.Query().Get("kind"); k != "" {
		kind, err := message.ParseKind(k)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msgs = a.MessagesOfKind(kind)
	}

	view := GroupView{
		ID:       gid,
		Next:     a.Next(),
		Messages: make([]MessageInfo, 0, len(msgs)),
		State:    a.State().Snapshot(),
	}
	for _, m := range msgs {
		view.Messages = append(view.Messages, MessageInfo{
			ID:      m.ID,
			Parents: m.Parents,
			From:    m.From.String(),
			Kind:    m.Kind.String(),
			Body:    m.Body,
			Time:    m.Time,
		})
	}

	writeJSON(w, view)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(v)
}
