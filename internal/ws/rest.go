package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/streamnode/node/internal/protocol"
	"github.com/streamnode/node/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, protocol.NewError(status, http.StatusText(status), message, r.URL.Path))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := s.registry.Session(r.PathValue("sessionId"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "Session not found")
		return nil, false
	}
	return sess, true
}

// maxTimeoutSeconds is the largest resume timeout a time.Duration can hold.
const maxTimeoutSeconds = math.MaxInt64 / int64(time.Second)

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	var update protocol.SessionUpdate
	if err := decodeBody(w, r, &update); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var timeout *time.Duration
	if update.Timeout != nil {
		if *update.Timeout <= 0 {
			writeError(w, r, http.StatusBadRequest, "Resuming timeout must be greater than 0")
			return
		}
		if *update.Timeout > maxTimeoutSeconds {
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("Resuming timeout must not exceed %d seconds", maxTimeoutSeconds))
			return
		}
		d := time.Duration(*update.Timeout) * time.Second
		timeout = &d
	}

	resumable, window := sess.Configure(update.Resuming, timeout)
	s.logger.Info("Session updated",
		slog.String("session_id", sess.ID()),
		slog.Bool("resumable", resumable),
		slog.Duration("timeout", window),
	)
	writeJSON(w, http.StatusOK, protocol.SessionInfo{
		Resumable: resumable,
		Timeout:   int64(window / time.Second),
	})
}

func playerInfo(p session.Player) protocol.PlayerInfo {
	return protocol.PlayerInfo{
		GuildID: p.GuildID(),
		Playing: p.IsPlaying(),
		State:   p.State(),
	}
}

func (s *Server) handleListPlayers(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	players := sess.Players()
	out := make([]protocol.PlayerInfo, 0, len(players))
	for _, p := range players {
		out = append(out, playerInfo(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	p := sess.Player(r.PathValue("guildId"))
	if p == nil {
		writeError(w, r, http.StatusNotFound, "Player not found")
		return
	}
	writeJSON(w, http.StatusOK, playerInfo(p))
}

func (s *Server) handleUpdatePlayer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	guildID := r.PathValue("guildId")

	var patch protocol.PlayerPatch
	if err := decodeBody(w, r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	p, err := sess.GetOrCreatePlayer(guildID)
	if p == nil {
		if errors.Is(err, session.ErrSessionClosed) {
			writeError(w, r, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.reportListenerError(err)
	}

	if patch.Voice != nil {
		conn, err := sess.MediaConnection(guildID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err.Error())
			return
		}
		if err := conn.Connect(*patch.Voice); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, playerInfo(p))
}

func (s *Server) handleDestroyPlayer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if err := sess.DestroyPlayer(r.PathValue("guildId")); err != nil {
		s.reportListenerError(err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.Collect(r.Context(), nil)
	if err != nil {
		s.logger.Error("Failed to collect stats", slog.String("error", err.Error()))
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRoutePlannerStatus(w http.ResponseWriter, r *http.Request) {
	if s.planner == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, s.planner.Status())
}

func (s *Server) handleFreeAddress(w http.ResponseWriter, r *http.Request) {
	if s.planner == nil {
		writeError(w, r, http.StatusInternalServerError, "Can't access disabled route planner")
		return
	}

	var body protocol.FreeAddress
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ip := net.ParseIP(body.Address)
	if ip == nil {
		writeError(w, r, http.StatusBadRequest, "Invalid address: "+body.Address)
		return
	}
	if err := s.planner.FreeAddress(ip); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid address: "+err.Error())
		return
	}
	s.logger.Info("Freed route planner address", slog.String("address", ip.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFreeAll(w http.ResponseWriter, r *http.Request) {
	if s.planner == nil {
		writeError(w, r, http.StatusInternalServerError, "Can't access disabled route planner")
		return
	}
	s.planner.FreeAllAddresses()
	s.logger.Info("Freed all route planner addresses")
	w.WriteHeader(http.StatusNoContent)
}
