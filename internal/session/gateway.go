package session

import (
	"log/slog"

	"github.com/streamnode/node/internal/protocol"
)

// gatewayForwarder relays voice gateway callbacks of one guild to the client.
type gatewayForwarder struct {
	session *Session
	guildID string
}

func (g *gatewayForwarder) GatewayReady() {
	if p := g.session.Player(g.guildID); p != nil {
		g.sendPlayerUpdate(p)
	}
}

func (g *gatewayForwarder) GatewayClosed(code int, reason string, byRemote bool) {
	if err := g.session.SendMessage(protocol.NewWebSocketClosed(g.guildID, code, reason, byRemote)); err != nil {
		g.session.logger.Warn("Failed to forward gateway close",
			slog.String("guild_id", g.guildID),
			slog.String("error", err.Error()),
		)
	}
	if p := g.session.Player(g.guildID); p != nil {
		g.sendPlayerUpdate(p)
	}
}

func (g *gatewayForwarder) GatewayError(err error) {
	g.session.logger.Error("Voice gateway error",
		slog.String("guild_id", g.guildID),
		slog.String("error", err.Error()),
	)
}

func (g *gatewayForwarder) sendPlayerUpdate(p Player) {
	if err := g.session.SendPlayerUpdate(p); err != nil {
		g.session.logger.Warn("Failed to send player update",
			slog.String("guild_id", g.guildID),
			slog.String("error", err.Error()),
		)
	}
}

type nopMedia struct{}

func (nopMedia) NewClient(string) MediaClient { return nopMedia{} }

func (nopMedia) GetOrCreateConnection(string, GatewayListener) (MediaConnection, error) {
	return nopMedia{}, nil
}

func (nopMedia) DestroyConnection(string) {}

func (nopMedia) Close() {}

func (nopMedia) Connect(protocol.VoiceState) error { return nil }
