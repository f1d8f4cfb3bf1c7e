package serve

import (
	"encoding/json"
	"net/http"

	"fancycam/config"
	"fancycam/video/relay"
)

// Status is the JSON document returned by the status endpoint.
type Status struct {
	Effect    string
	Animation string
	Quality   string
	FrameRate int

	OutputSeq     uint64
	QueueLen      int
	QueueCapacity int
	SourceRunning bool
	SinkRunning   bool
	Consuming     bool
}

type StatusServer struct {
	Relay *relay.Relay
}

func (s *StatusServer) Build() *Status {
	c := config.Get()
	rs := s.Relay.Stats()
	return &Status{
		Effect:        c.Effect,
		Animation:     c.Animation,
		Quality:       c.Quality,
		FrameRate:     c.FrameRate,
		OutputSeq:     rs.OutputSeq,
		QueueLen:      rs.QueueLen,
		QueueCapacity: rs.QueueCapacity,
		SourceRunning: rs.SourceRunning,
		SinkRunning:   rs.SinkRunning,
		Consuming:     rs.Consuming,
	}
}

func (s *StatusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	js, err := json.Marshal(s.Build())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
}
